package credential

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/kis-gateway/internal/entity"
)

const (
	approvalPath    = "/oauth2/Approval"
	accessTokenPath = "/oauth2/tokenP"
	grantType       = "client_credentials"
	maxResponseBody = 1 << 20
)

// Issuer performs the network call that mints a new token.
type Issuer interface {
	Issue(ctx context.Context) (string, error)
}

type approvalRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	SecretKey string `json:"secretkey"`
}

type approvalResponse struct {
	ApprovalKey string `json:"approval_key"`
	RtCd        string `json:"rt_cd"`
	MsgCd       string `json:"msg_cd"`
	Msg1        string `json:"msg1"`
}

// ApprovalIssuer requests the streaming approval key.
type ApprovalIssuer struct {
	baseURL   string
	appKey    string
	appSecret string
	client    *http.Client
}

func NewApprovalIssuer(baseURL, appKey, appSecret string, client *http.Client) *ApprovalIssuer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &ApprovalIssuer{
		baseURL:   strings.TrimRight(baseURL, "/"),
		appKey:    appKey,
		appSecret: appSecret,
		client:    client,
	}
}

func (i *ApprovalIssuer) Issue(ctx context.Context) (string, error) {
	var resp approvalResponse
	status, err := postJSON(ctx, i.client, i.baseURL+approvalPath, approvalRequest{
		GrantType: grantType,
		AppKey:    i.appKey,
		SecretKey: i.appSecret,
	}, &resp)
	if err != nil {
		return "", &entity.CredentialError{Message: "request approval key", Err: err}
	}

	if resp.RtCd != "" && resp.RtCd != "0" {
		return "", &entity.CredentialError{Code: resp.RtCd, Message: resp.Msg1}
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return "", &entity.CredentialError{Message: fmt.Sprintf("approval endpoint returned http %d %s", status, resp.Msg1)}
	}
	if strings.TrimSpace(resp.ApprovalKey) == "" {
		return "", &entity.CredentialError{Message: "approval_key missing from response"}
	}

	return resp.ApprovalKey, nil
}

type accessTokenRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	AppSecret string `json:"appsecret"`
}

type accessTokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

// AccessTokenIssuer requests the REST bearer token used by the quotation
// fallback.
type AccessTokenIssuer struct {
	baseURL   string
	appKey    string
	appSecret string
	client    *http.Client
}

func NewAccessTokenIssuer(baseURL, appKey, appSecret string, client *http.Client) *AccessTokenIssuer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &AccessTokenIssuer{
		baseURL:   strings.TrimRight(baseURL, "/"),
		appKey:    appKey,
		appSecret: appSecret,
		client:    client,
	}
}

func (i *AccessTokenIssuer) Issue(ctx context.Context) (string, error) {
	var resp accessTokenResponse
	status, err := postJSON(ctx, i.client, i.baseURL+accessTokenPath, accessTokenRequest{
		GrantType: grantType,
		AppKey:    i.appKey,
		AppSecret: i.appSecret,
	}, &resp)
	if err != nil {
		return "", &entity.CredentialError{Message: "request access token", Err: err}
	}

	if resp.ErrorCode != "" {
		return "", &entity.CredentialError{Code: resp.ErrorCode, Message: resp.ErrorDescription}
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return "", &entity.CredentialError{Message: fmt.Sprintf("token endpoint returned http %d", status)}
	}
	if strings.TrimSpace(resp.AccessToken) == "" {
		return "", &entity.CredentialError{Message: "access_token missing from response"}
	}

	return resp.AccessToken, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, err
	}

	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil && resp.StatusCode < http.StatusMultipleChoices {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}

	return resp.StatusCode, nil
}
