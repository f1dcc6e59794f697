package qrcode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/getkayan/kayan-connect/core/domain"
	"github.com/getkayan/kayan-connect/core/logger"
	"github.com/getkayan/kayan-connect/core/oauth2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	DefaultWeChatAPIBaseURL   = "https://api.weixin.qq.com"
	DefaultWeChatImageBaseURL = "https://mp.weixin.qq.com"

	accessTokenKeyPrefix = "wechat:access_token:"

	// refresh the platform access token this long before it expires
	accessTokenSkew = 5 * time.Minute
)

// WeChat error codes meaning the access token is no longer valid.
const (
	errcodeInvalidCredential = 40001
	errcodeTokenExpired      = 42001
)

// WeChatTicketService creates temporary string-scene QR codes through the
// WeChat official-account API. Access tokens are cached per app id in the
// shared cache so every instance reuses the same one.
type WeChatTicketService struct {
	cache        domain.Cache
	baseURL      string
	imageBaseURL string
	client       *http.Client
}

// NewWeChatTicketService creates a ticket service. Empty baseURL and nil
// client fall back to the public API and a 10 second timeout.
func NewWeChatTicketService(cache domain.Cache, baseURL string, client *http.Client) *WeChatTicketService {
	if baseURL == "" {
		baseURL = DefaultWeChatAPIBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WeChatTicketService{
		cache:        cache,
		baseURL:      strings.TrimRight(baseURL, "/"),
		imageBaseURL: DefaultWeChatImageBaseURL,
		client:       client,
	}
}

// WithImageBaseURL overrides where ticket images are served from.
func (s *WeChatTicketService) WithImageBaseURL(u string) *WeChatTicketService {
	s.imageBaseURL = strings.TrimRight(u, "/")
	return s
}

func (s *WeChatTicketService) CreateTicket(ctx context.Context, reg *oauth2.ClientRegistration, sceneStr string, ttlSeconds int) (*Ticket, error) {
	token, err := s.accessToken(ctx, reg)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{
		"expire_seconds": ttlSeconds,
		"action_name":    "QR_STR_SCENE",
		"action_info": map[string]any{
			"scene": map[string]any{"scene_str": sceneStr},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("wechat ticket: encode: %w", err)
	}

	endpoint := s.baseURL + "/cgi-bin/qrcode/create?access_token=" + url.QueryEscape(token)
	body, err := s.call(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		var apiErr *wechatError
		if errors.As(err, &apiErr) && (apiErr.code == errcodeInvalidCredential || apiErr.code == errcodeTokenExpired) {
			if delErr := s.cache.Delete(ctx, accessTokenKeyPrefix+reg.ClientID); delErr != nil {
				logger.Log.Warn("failed to evict wechat access token", zap.String("client_id", reg.ClientID), zap.Error(delErr))
			}
		}
		return nil, fmt.Errorf("wechat ticket: %w", err)
	}

	ticket := gjson.GetBytes(body, "ticket").String()
	if ticket == "" {
		return nil, fmt.Errorf("wechat ticket: %w: response carries no ticket", domain.ErrUpstreamFailure)
	}
	expire := int(gjson.GetBytes(body, "expire_seconds").Int())
	if expire == 0 {
		expire = ttlSeconds
	}

	return &Ticket{
		Ticket:        ticket,
		URL:           gjson.GetBytes(body, "url").String(),
		ImageURL:      s.imageBaseURL + "/cgi-bin/showqrcode?ticket=" + url.QueryEscape(ticket),
		ExpireSeconds: expire,
	}, nil
}

func (s *WeChatTicketService) accessToken(ctx context.Context, reg *oauth2.ClientRegistration) (string, error) {
	key := accessTokenKeyPrefix + reg.ClientID
	cached, err := s.cache.Get(ctx, key)
	if err == nil {
		return string(cached), nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("wechat access token: %w", err)
	}

	q := url.Values{}
	q.Set("grant_type", "client_credential")
	q.Set("appid", reg.ClientID)
	q.Set("secret", reg.ClientSecret)
	body, err := s.call(ctx, http.MethodGet, s.baseURL+"/cgi-bin/token?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("wechat access token: %w", err)
	}

	token := gjson.GetBytes(body, "access_token").String()
	if token == "" {
		return "", fmt.Errorf("wechat access token: %w: response carries no token", domain.ErrUpstreamFailure)
	}
	ttl := time.Duration(gjson.GetBytes(body, "expires_in").Int())*time.Second - accessTokenSkew
	if ttl < time.Minute {
		ttl = time.Minute
	}
	if err := s.cache.Set(ctx, key, []byte(token), ttl); err != nil {
		logger.Log.Warn("failed to cache wechat access token", zap.String("client_id", reg.ClientID), zap.Error(err))
	}
	return token, nil
}

type wechatError struct {
	code int64
	msg  string
}

func (e *wechatError) Error() string {
	return fmt.Sprintf("errcode %d: %s", e.code, e.msg)
}

func (s *WeChatTicketService) call(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrUpstreamFailure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", domain.ErrUpstreamFailure, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", domain.ErrUpstreamFailure, resp.StatusCode)
	}
	if code := gjson.GetBytes(body, "errcode").Int(); code != 0 {
		return nil, fmt.Errorf("%w: %w", domain.ErrUpstreamFailure, &wechatError{code: code, msg: gjson.GetBytes(body, "errmsg").String()})
	}
	return body, nil
}
