package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/zulandar/switchyard/internal/fault"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/relay/slack"
	"github.com/zulandar/switchyard/internal/relay/zendesk"
	"github.com/zulandar/switchyard/internal/store"
)

// File job directions.
const (
	DirectionToZendesk = "to_zendesk"
	DirectionToSlack   = "to_slack"
)

// FileJob moves one file between platforms. It is the payload of the
// file-upload-jobs topic.
type FileJob struct {
	Direction      string `json:"direction"`
	OrganizationID string `json:"organizationId"`
	ConversationID string `json:"conversationId"`
	TicketID       int64  `json:"ticketId"`
	// SourceID is the Slack file id, or "<commentId>-<index>" for a
	// Zendesk attachment.
	SourceID    string `json:"sourceId"`
	AuthorID    int64  `json:"authorId,omitempty"` // Zendesk user to comment as
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	URL         string `json:"url,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// DedupKey is the queue dedup key of the job.
func (j FileJob) DedupKey() string {
	return "file:" + j.SourceID + ":" + strconv.FormatInt(j.TicketID, 10)
}

// messageID is the Message row recording a finished transfer.
func (j FileJob) messageID() string {
	if j.Direction == DirectionToZendesk {
		return "file:" + j.SourceID
	}
	return "attachment:" + j.SourceID
}

// HandleFileJob transfers one file. Finished transfers are recorded so a
// redelivered job is a no-op.
func (e *Engine) HandleFileJob(ctx context.Context, job FileJob) error {
	op := "syncer: file " + job.SourceID
	if job.SourceID == "" || job.ConversationID == "" {
		return fault.Errorf(fault.Invalid, op, "job without source or conversation")
	}
	if _, err := e.organization(ctx, op, job.OrganizationID); err != nil {
		return err
	}
	conv, err := e.store.ConversationByID(ctx, job.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return fault.New(fault.Mapping, op, err)
	}
	if err != nil {
		return fault.New(fault.Downstream, op, err)
	}

	platform := models.PlatformSlack
	if job.Direction == DirectionToSlack {
		platform = models.PlatformZendesk
	}
	done, err := e.store.HasMessage(ctx, conv.ID, platform, job.messageID())
	if err != nil {
		return fault.New(fault.Downstream, op, err)
	}
	if done {
		fmt.Fprintf(e.out, "%s: replay, already transferred [org=%s ticket=%d]\n", op, job.OrganizationID, conv.ZendeskTicketID)
		return nil
	}

	switch job.Direction {
	case DirectionToZendesk:
		err = e.fileToZendesk(ctx, job, conv)
	case DirectionToSlack:
		err = e.fileToSlack(ctx, job, conv)
	default:
		err = fault.Errorf(fault.Invalid, op, "unknown direction %q", job.Direction)
	}
	if err != nil {
		return err
	}
	return e.record(ctx, conv.ID, platform, job.messageID(), "")
}

// fileToZendesk streams a Slack file into a Zendesk upload and attaches it
// to the ticket with a comment.
func (e *Engine) fileToZendesk(ctx context.Context, job FileJob, conv *models.Conversation) error {
	sc, _, err := e.conns.SlackClient(ctx, job.OrganizationID)
	if err != nil {
		return err
	}
	zd, _, err := e.conns.ZendeskClient(ctx, job.OrganizationID)
	if err != nil {
		return err
	}
	name, ctype, url := job.Name, job.ContentType, job.URL
	if url == "" || name == "" {
		info, err := sc.FileInfo(ctx, job.SourceID)
		if err != nil {
			return err
		}
		name, ctype, url = info.Name, info.Mimetype, info.DownloadURL
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(sc.DownloadFile(ctx, url, pw))
	}()
	token, err := zd.Upload(ctx, name, ctype, pr)
	pr.CloseWithError(err)
	if err != nil {
		return err
	}

	err = zd.AddComment(ctx, conv.ZendeskTicketID, zendesk.Comment{
		Body:     "Attached " + name + " from Slack.",
		AuthorID: job.AuthorID,
		Public:   true,
		Uploads:  []string{token},
	}, job.DedupKey())
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "syncer: file %s: → ticket %d [org=%s name=%s]\n", job.SourceID, conv.ZendeskTicketID, job.OrganizationID, name)
	return nil
}

// fileToSlack spools a Zendesk attachment to disk, since files.uploadV2
// needs the size up front, then shares it into the conversation thread.
func (e *Engine) fileToSlack(ctx context.Context, job FileJob, conv *models.Conversation) error {
	op := "syncer: file " + job.SourceID
	zd, _, err := e.conns.ZendeskClient(ctx, job.OrganizationID)
	if err != nil {
		return err
	}
	sc, _, err := e.conns.SlackClient(ctx, job.OrganizationID)
	if err != nil {
		return err
	}
	ch, err := e.store.ChannelByID(ctx, conv.ChannelID)
	if err != nil {
		return fault.New(fault.Downstream, op, err)
	}

	spool, err := os.CreateTemp("", "sy-attachment-*")
	if err != nil {
		return fmt.Errorf("%s: spool: %w", op, err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()
	n, err := zd.Download(ctx, job.URL, spool)
	if err != nil {
		return err
	}
	if n == 0 {
		return fault.Errorf(fault.Invalid, op, "attachment %s is empty", job.URL)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%s: rewind spool: %w", op, err)
	}

	name := job.Name
	if name == "" {
		name = "attachment"
	}
	fileID, err := sc.UploadFile(ctx, slack.Upload{
		ChannelID: ch.SlackChannelID,
		ThreadTS:  conv.SlackParentMessageID,
		Filename:  name,
		Size:      int(n),
		Reader:    spool,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%s: → slack file %s [org=%s ticket=%d]\n", op, fileID, job.OrganizationID, conv.ZendeskTicketID)
	return nil
}
