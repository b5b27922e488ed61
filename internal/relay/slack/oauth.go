package slack

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/switchyard/internal/fault"
	"golang.org/x/oauth2"
)

// Endpoint is Slack's OAuth v2 endpoint pair.
var Endpoint = oauth2.Endpoint{
	AuthURL:  "https://slack.com/oauth/v2/authorize",
	TokenURL: "https://slack.com/api/oauth.v2.access",
}

// Installation is the result of a completed workspace install.
type Installation struct {
	TeamID       string
	TeamName     string
	AccessToken  string
	BotUserID    string
	AppID        string
	AuthedUserID string
}

// OAuth builds install URLs and exchanges authorization codes.
type OAuth struct {
	cfg    oauth2.Config
	client *http.Client
	apiURL string
}

// OAuthOpts holds parameters for creating an OAuth helper.
type OAuthOpts struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	HTTPClient   *http.Client // defaults to a client with callTimeout
	// APIURL overrides the Web API base the code exchange posts to. Empty
	// means slack.com.
	APIURL string
}

// NewOAuth creates an OAuth helper.
func NewOAuth(opts OAuthOpts) *OAuth {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: callTimeout}
	}
	var scopes []string
	if len(opts.Scopes) > 0 {
		// Slack wants one comma-separated scope parameter.
		scopes = []string{strings.Join(opts.Scopes, ",")}
	}
	return &OAuth{
		cfg: oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURL,
			Scopes:       scopes,
			Endpoint:     Endpoint,
		},
		client: client,
		apiURL: opts.APIURL,
	}
}

// AuthorizeURL returns the Slack consent URL carrying state.
func (o *OAuth) AuthorizeURL(state string) string {
	return o.cfg.AuthCodeURL(state)
}

// Exchange trades an authorization code for a bot token.
func (o *OAuth) Exchange(ctx context.Context, code string) (*Installation, error) {
	if code == "" {
		return nil, fault.Errorf(fault.Invalid, "slack: oauth exchange", "code is required")
	}
	var client interface {
		Do(*http.Request) (*http.Response, error)
	} = o.client
	if o.apiURL != "" && o.apiURL != slackapi.APIURL {
		client = rebased{base: o.apiURL, client: o.client}
	}
	resp, err := slackapi.GetOAuthV2ResponseContext(ctx, client, o.cfg.ClientID, o.cfg.ClientSecret, code, o.cfg.RedirectURL)
	if err != nil {
		var se slackapi.SlackErrorResponse
		if errors.As(err, &se) && (se.Err == "invalid_code" || se.Err == "code_already_used" || se.Err == "bad_redirect_uri") {
			return nil, fault.New(fault.Unauthenticated, "slack: oauth exchange", err)
		}
		return nil, classify("slack: oauth exchange", err)
	}
	if resp.AccessToken == "" || resp.Team.ID == "" {
		return nil, fault.Errorf(fault.Downstream, "slack: oauth exchange", "response is missing the bot token or team")
	}
	return &Installation{
		TeamID:       resp.Team.ID,
		TeamName:     resp.Team.Name,
		AccessToken:  resp.AccessToken,
		BotUserID:    resp.BotUserID,
		AppID:        resp.AppID,
		AuthedUserID: resp.AuthedUser.ID,
	}, nil
}

// rebased sends slack-go's package-level requests to another API base.
type rebased struct {
	base   string
	client *http.Client
}

func (r rebased) Do(req *http.Request) (*http.Response, error) {
	u, err := url.Parse(r.base + strings.TrimPrefix(req.URL.String(), slackapi.APIURL))
	if err != nil {
		return nil, err
	}
	req.URL = u
	req.Host = u.Host
	return r.client.Do(req)
}
