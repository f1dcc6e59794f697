package qrcode

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/getkayan/kayan-connect/core/cache"
	"github.com/getkayan/kayan-connect/core/domain"
	"github.com/getkayan/kayan-connect/core/oauth2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWeChat struct {
	*httptest.Server
	tokenCalls  int32
	createCalls int32
	createReply atomic.Value // string
}

func newFakeWeChat(t *testing.T) *fakeWeChat {
	t.Helper()
	f := &fakeWeChat{}
	f.createReply.Store("")

	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.tokenCalls, 1)
		if r.URL.Query().Get("appid") != "wx-app" || r.URL.Query().Get("secret") != "wx-secret" {
			w.Write([]byte(`{"errcode":40013,"errmsg":"invalid appid"}`))
			return
		}
		w.Write([]byte(`{"access_token":"AT-1","expires_in":7200}`))
	})
	mux.HandleFunc("/cgi-bin/qrcode/create", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.createCalls, 1)
		if reply := f.createReply.Load().(string); reply != "" {
			w.Write([]byte(reply))
			return
		}
		if r.URL.Query().Get("access_token") != "AT-1" {
			w.Write([]byte(`{"errcode":40001,"errmsg":"invalid credential"}`))
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req struct {
			ExpireSeconds int    `json:"expire_seconds"`
			ActionName    string `json:"action_name"`
			ActionInfo    struct {
				Scene struct {
					SceneStr string `json:"scene_str"`
				} `json:"scene"`
			} `json:"action_info"`
		}
		json.Unmarshal(body, &req)
		if req.ActionName != "QR_STR_SCENE" || req.ActionInfo.Scene.SceneStr == "" {
			w.Write([]byte(`{"errcode":40053,"errmsg":"invalid action info"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"ticket":         "TICKET+" + req.ActionInfo.Scene.SceneStr,
			"expire_seconds": req.ExpireSeconds,
			"url":            "http://weixin.qq.com/q/" + req.ActionInfo.Scene.SceneStr,
		})
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func wechatRegistration() *oauth2.ClientRegistration {
	return &oauth2.ClientRegistration{RegistrationID: "wechat-app", ClientID: "wx-app", ClientSecret: "wx-secret"}
}

func TestWeChatTicketCachesAccessToken(t *testing.T) {
	f := newFakeWeChat(t)
	c := cache.NewMemory()
	defer c.Close()
	svc := NewWeChatTicketService(c, f.URL, f.Client())
	ctx := context.Background()

	ticket, err := svc.CreateTicket(ctx, wechatRegistration(), "scene-1", 300)
	require.NoError(t, err)
	assert.Equal(t, "TICKET+scene-1", ticket.Ticket)
	assert.Equal(t, 300, ticket.ExpireSeconds)
	assert.Equal(t, "http://weixin.qq.com/q/scene-1", ticket.URL)
	assert.Equal(t, DefaultWeChatImageBaseURL+"/cgi-bin/showqrcode?ticket=TICKET%2Bscene-1", ticket.ImageURL)

	_, err = svc.CreateTicket(ctx, wechatRegistration(), "scene-2", 300)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.tokenCalls), "access token should be reused")
	assert.EqualValues(t, 2, atomic.LoadInt32(&f.createCalls))
}

func TestWeChatTicketEvictsRejectedToken(t *testing.T) {
	f := newFakeWeChat(t)
	c := cache.NewMemory()
	defer c.Close()
	svc := NewWeChatTicketService(c, f.URL, f.Client())
	ctx := context.Background()

	f.createReply.Store(`{"errcode":42001,"errmsg":"access_token expired"}`)
	_, err := svc.CreateTicket(ctx, wechatRegistration(), "scene", 300)
	assert.ErrorIs(t, err, domain.ErrUpstreamFailure)

	_, err = c.Get(ctx, accessTokenKeyPrefix+"wx-app")
	assert.True(t, errors.Is(err, domain.ErrNotFound), "rejected token must be evicted")

	f.createReply.Store("")
	_, err = svc.CreateTicket(ctx, wechatRegistration(), "scene", 300)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&f.tokenCalls))
}

func TestWeChatTicketBadCredentials(t *testing.T) {
	f := newFakeWeChat(t)
	c := cache.NewMemory()
	defer c.Close()
	svc := NewWeChatTicketService(c, f.URL, f.Client())

	reg := wechatRegistration()
	reg.ClientSecret = "wrong"
	_, err := svc.CreateTicket(context.Background(), reg, "scene", 300)
	assert.ErrorIs(t, err, domain.ErrUpstreamFailure)
	assert.EqualValues(t, 0, atomic.LoadInt32(&f.createCalls))
}
