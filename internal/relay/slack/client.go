// Package slack is the Slack side of the relay: posting thread replies,
// moving files, publishing the Home tab and completing the OAuth install.
package slack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/switchyard/internal/fault"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// callTimeout bounds a single Web API call.
	callTimeout = 15 * time.Second
	// fileTimeout bounds a file download or upload.
	fileTimeout = 2 * time.Minute
)

// slackAPI abstracts the Slack API methods we use, enabling test mocks.
type slackAPI interface {
	AuthTestContext(ctx context.Context) (*slackapi.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetConversationInfoContext(ctx context.Context, input *slackapi.GetConversationInfoInput) (*slackapi.Channel, error)
	GetUserInfoContext(ctx context.Context, user string) (*slackapi.User, error)
	GetFileInfoContext(ctx context.Context, fileID string, count, page int) (*slackapi.File, []slackapi.Comment, *slackapi.Paging, error)
	GetFileContext(ctx context.Context, downloadURL string, writer io.Writer) error
	UploadFileV2Context(ctx context.Context, params slackapi.UploadFileV2Parameters) (*slackapi.FileSummary, error)
	PublishViewContext(ctx context.Context, req slackapi.PublishViewContextRequest) (*slackapi.ViewResponse, error)
}

// Client is a per-workspace Slack Web API client.
type Client struct {
	api slackAPI
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	Token string // xoxb-... bot token of the workspace
	// APIURL overrides the Web API base URL.
	APIURL string
	// For testing: inject a mock instead of the real Slack API.
	API slackAPI
}

// New creates a Client.
func New(opts ClientOpts) (*Client, error) {
	if opts.API != nil {
		return &Client{api: opts.API}, nil
	}
	if opts.Token == "" {
		return nil, fault.Errorf(fault.Config, "slack: new client", "bot token is required")
	}
	var options []slackapi.Option
	if opts.APIURL != "" {
		options = append(options, slackapi.OptionAPIURL(strings.TrimRight(opts.APIURL, "/")+"/"))
	}
	return &Client{api: slackapi.New(opts.Token, options...)}, nil
}

// AuthTest returns the workspace and bot user the token belongs to.
func (c *Client) AuthTest(ctx context.Context) (teamID, botUserID string, err error) {
	var resp *slackapi.AuthTestResponse
	err = c.call(ctx, "slack: auth test", func(ctx context.Context) error {
		var apiErr error
		resp, apiErr = c.api.AuthTestContext(ctx)
		return apiErr
	})
	if err != nil {
		return "", "", err
	}
	return resp.TeamID, resp.UserID, nil
}

// PostReply posts text into the thread rooted at threadTS, attributed to
// author, and returns the new message timestamp.
func (c *Client) PostReply(ctx context.Context, channelID, threadTS, author, text string) (string, error) {
	if author != "" {
		text = fmt.Sprintf("*%s*: %s", author, text)
	}
	return c.post(ctx, channelID, buildMessageOptions(threadTS, text, nil))
}

// PostNotice posts a system notice into a thread.
func (c *Client) PostNotice(ctx context.Context, channelID, threadTS, text string) (string, error) {
	blocks := []slackapi.Block{
		slackapi.NewContextBlock("", slackapi.NewTextBlockObject(slackapi.MarkdownType, text, false, false)),
	}
	return c.post(ctx, channelID, buildMessageOptions(threadTS, text, blocks))
}

// PostTicketOpened announces a new ticket in its thread with a button that
// closes the conversation. The button value carries the conversation id.
func (c *Client) PostTicketOpened(ctx context.Context, channelID, threadTS string, ticketID int64, conversationID string) (string, error) {
	text := fmt.Sprintf("Ticket #%d opened. Replies in this thread are added to the ticket.", ticketID)
	return c.post(ctx, channelID, buildMessageOptions(threadTS, text, ticketBlocks(text, conversationID)))
}

func (c *Client) post(ctx context.Context, channelID string, options []slackapi.MsgOption) (string, error) {
	if channelID == "" {
		return "", fault.Errorf(fault.Invalid, "slack: post message", "no channel specified")
	}
	var ts string
	err := c.call(ctx, "slack: post message", func(ctx context.Context) error {
		var apiErr error
		_, ts, apiErr = c.api.PostMessageContext(ctx, channelID, options...)
		return apiErr
	})
	return ts, err
}

// ChannelInfo describes a channel as stored on the Channel row.
type ChannelInfo struct {
	ID       string
	Name     string
	Type     string // PUBLIC, PRIVATE, DM, GROUP_DM
	IsMember bool
	IsShared bool
}

// ChannelInfo fetches conversations.info for channelID.
func (c *Client) ChannelInfo(ctx context.Context, channelID string) (*ChannelInfo, error) {
	var ch *slackapi.Channel
	err := c.call(ctx, "slack: conversation info", func(ctx context.Context) error {
		var apiErr error
		ch, apiErr = c.api.GetConversationInfoContext(ctx, &slackapi.GetConversationInfoInput{ChannelID: channelID})
		return apiErr
	})
	if err != nil {
		return nil, err
	}
	return &ChannelInfo{
		ID:       ch.ID,
		Name:     ch.Name,
		Type:     channelType(ch),
		IsMember: ch.IsMember,
		IsShared: ch.IsShared || ch.IsExtShared,
	}, nil
}

func channelType(ch *slackapi.Channel) string {
	switch {
	case ch.IsIM:
		return "DM"
	case ch.IsMpIM:
		return "GROUP_DM"
	case ch.IsPrivate:
		return "PRIVATE"
	default:
		return "PUBLIC"
	}
}

// UserInfo is the subset of a Slack profile used to name ticket requesters.
type UserInfo struct {
	ID    string
	Name  string
	Email string
}

// UserInfo looks up a user's display name and email. The name falls back
// to the real name, then the user id.
func (c *Client) UserInfo(ctx context.Context, userID string) (*UserInfo, error) {
	var u *slackapi.User
	err := c.call(ctx, "slack: user info", func(ctx context.Context) error {
		var apiErr error
		u, apiErr = c.api.GetUserInfoContext(ctx, userID)
		return apiErr
	})
	if err != nil {
		return nil, err
	}
	name := u.Profile.DisplayName
	if name == "" {
		name = u.RealName
	}
	if name == "" {
		name = userID
	}
	return &UserInfo{ID: u.ID, Name: name, Email: u.Profile.Email}, nil
}

// FileInfo describes a Slack file for download.
type FileInfo struct {
	ID          string
	Name        string
	Mimetype    string
	Size        int
	DownloadURL string
}

// FileInfo fetches files.info for fileID.
func (c *Client) FileInfo(ctx context.Context, fileID string) (*FileInfo, error) {
	var f *slackapi.File
	err := c.call(ctx, "slack: file info", func(ctx context.Context) error {
		var apiErr error
		f, _, _, apiErr = c.api.GetFileInfoContext(ctx, fileID, 0, 0)
		return apiErr
	})
	if err != nil {
		return nil, err
	}
	return &FileInfo{
		ID:          f.ID,
		Name:        f.Name,
		Mimetype:    f.Mimetype,
		Size:        f.Size,
		DownloadURL: f.URLPrivateDownload,
	}, nil
}

// DownloadFile streams a private file URL into w. It is not retried on rate
// limits since w may already hold a partial body.
func (c *Client) DownloadFile(ctx context.Context, url string, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, fileTimeout)
	defer cancel()
	if err := c.api.GetFileContext(ctx, url, w); err != nil {
		return classify("slack: download file", err)
	}
	return nil
}

// Upload describes a file to share into a thread.
type Upload struct {
	ChannelID string
	ThreadTS  string
	Filename  string
	Title     string
	Size      int
	Reader    io.Reader
}

// UploadFile shares a file into a thread with files.uploadV2 and returns
// the Slack file id.
func (c *Client) UploadFile(ctx context.Context, up Upload) (string, error) {
	if up.Size <= 0 {
		return "", fault.Errorf(fault.Invalid, "slack: upload file", "%s: size is required", up.Filename)
	}
	title := up.Title
	if title == "" {
		title = up.Filename
	}
	ctx, cancel := context.WithTimeout(ctx, fileTimeout)
	defer cancel()
	summary, err := c.api.UploadFileV2Context(ctx, slackapi.UploadFileV2Parameters{
		Reader:          up.Reader,
		FileSize:        up.Size,
		Filename:        up.Filename,
		Title:           title,
		Channel:         up.ChannelID,
		ThreadTimestamp: up.ThreadTS,
	})
	if err != nil {
		return "", classify("slack: upload file", err)
	}
	return summary.ID, nil
}

// HomeStatus is what the App Home tab shows.
type HomeStatus struct {
	TeamName      string
	SlackActive   bool
	ZendeskDomain string // empty when Zendesk is not connected
	ZendeskActive bool
	Plan          string
	Subscription  string
}

// PublishHome publishes the App Home tab for userID.
func (c *Client) PublishHome(ctx context.Context, userID string, status HomeStatus) error {
	req := slackapi.PublishViewContextRequest{
		UserID: userID,
		View: slackapi.HomeTabViewRequest{
			Type:   slackapi.VTHomeTab,
			Blocks: slackapi.Blocks{BlockSet: homeBlocks(status)},
		},
	}
	return c.call(ctx, "slack: publish home", func(ctx context.Context) error {
		_, apiErr := c.api.PublishViewContext(ctx, req)
		return apiErr
	})
}

// call runs fn with a per-attempt timeout, retrying Slack rate limits.
func (c *Client) call(ctx context.Context, op string, fn func(context.Context) error) error {
	err := retryOnRateLimit(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return fn(callCtx)
	})
	if err != nil {
		return classify(op, err)
	}
	return nil
}

// Slack error codes that mean the stored token is unusable.
var authErrors = map[string]bool{
	"invalid_auth":     true,
	"not_authed":       true,
	"token_revoked":    true,
	"token_expired":    true,
	"account_inactive": true,
	"missing_scope":    true,
}

// classify marks token failures as configuration faults and everything
// else as downstream faults.
func classify(op string, err error) error {
	var se slackapi.SlackErrorResponse
	if errors.As(err, &se) && authErrors[se.Err] {
		return fault.New(fault.Config, op, err)
	}
	return fault.New(fault.Downstream, op, err)
}

// buildMessageOptions assembles the MsgOptions for a threaded message.
func buildMessageOptions(threadTS, text string, blocks []slackapi.Block) []slackapi.MsgOption {
	var options []slackapi.MsgOption
	if threadTS != "" {
		options = append(options, slackapi.MsgOptionTS(threadTS))
	}
	// Text stays as the notification fallback when blocks are present.
	options = append(options, slackapi.MsgOptionText(text, false))
	if len(blocks) > 0 {
		options = append(options, slackapi.MsgOptionBlocks(blocks...))
	}
	return options
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}

// ParseTimestamp converts a Slack timestamp (e.g., "1234567890.123456")
// to a UTC time with microsecond precision. Malformed input yields the
// zero time.
func ParseTimestamp(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	var usec int64
	if len(parts) == 2 && parts[1] != "" {
		frac := parts[1]
		if len(frac) > 6 {
			frac = frac[:6]
		}
		frac += strings.Repeat("0", 6-len(frac))
		usec, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return time.Time{}
		}
	}
	return time.Unix(sec, usec*int64(time.Microsecond)).UTC()
}
