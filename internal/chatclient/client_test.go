package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, d *fakeDialer, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	cfg := testConfig()
	cfg.ServerURL = srv.URL

	c, err := New(cfg, StaticIdentity{Identity: "1", Token: "tok"}, WithDialer(d), WithLogger(testLogger()))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func contactsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/contacts/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": []any{
			map[string]any{"user_id": 2, "username": "coach"},
		}})
	})
	return mux
}

func TestStartConnectsAndLoadsContacts(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, contactsMux())

	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, StateConnected, c.State())
	require.Equal(t, Identity("1"), c.Self())
	require.Equal(t, []Contact{{ID: "2", DisplayName: "coach"}}, c.Contacts())
	require.Equal(t, 1, d.dialCount())
}

func TestStartFailsWhenDialFails(t *testing.T) {
	d := &fakeDialer{fail: 1}
	c := newTestClient(t, d, contactsMux())

	err := c.Start(context.Background())
	require.ErrorIs(t, err, ErrTransport)
	require.Equal(t, StateDisconnected, c.State())
}

func TestOpenMergesHistoryWithLiveMessages(t *testing.T) {
	d := &fakeDialer{}
	mux := contactsMux()
	mux.HandleFunc("GET /api/messages/{a}/{b}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"messages": []any{
			map[string]any{"chat_id": 1, "user_id": 1, "to_user_id": 2, "content": "one", "created_at": 1000},
			map[string]any{"chat_id": 3, "user_id": 2, "to_user_id": 1, "content": "three", "created_at": 3000},
		}})
	})
	c := newTestClient(t, d, mux)
	require.NoError(t, c.Start(context.Background()))

	d.last().push(t, eventNewMessage, map[string]any{
		"id": 2, "from_user_id": 2, "to_user_id": 1, "content": "two", "timestamp": 2000,
	})
	require.Eventually(t, func() bool { return c.Conversation("2").Len() == 1 }, time.Second, 5*time.Millisecond)

	msgs, err := c.Open(context.Background(), "2")
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "3"}, ids(msgs))
}

func TestSendReplacesOptimisticCopy(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, contactsMux())
	require.NoError(t, c.Start(context.Background()))
	conn := d.last()

	go func() {
		env := <-conn.out
		var p SendPayload
		_ = json.Unmarshal(env.Data, &p)
		server := map[string]any{
			"id": 50, "from_user_id": 1, "to_user_id": p.ToUserID, "content": p.Content, "timestamp": p.CreatedAt,
		}
		// The sender's own connection receives the push before the ack.
		conn.push(t, eventNewMessage, server)
		raw, _ := json.Marshal(map[string]any{"message": server})
		conn.in <- Envelope{Event: eventAck, ID: env.ID, Data: raw}
	}()

	msg, err := c.Send(context.Background(), "2", "deadlift at 7")
	require.NoError(t, err)
	require.Equal(t, "50", msg.ID)

	conv := c.Conversation("2")
	require.Eventually(t, func() bool {
		got := conv.Messages()
		return len(got) == 1 && got[0].ID == "50"
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, conv.Len())
}

func TestSendReplacesOptimisticCopyWhenServerRestamps(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, contactsMux())
	require.NoError(t, c.Start(context.Background()))
	conn := d.last()

	go func() {
		env := <-conn.out
		var p SendPayload
		_ = json.Unmarshal(env.Data, &p)
		// The server clamped the client clock two minutes back.
		server := map[string]any{
			"id": 50, "from_user_id": 1, "to_user_id": p.ToUserID, "content": p.Content, "timestamp": p.CreatedAt - 120000,
		}
		raw, _ := json.Marshal(map[string]any{"message": server})
		conn.in <- Envelope{Event: eventAck, ID: env.ID, Data: raw}
		conn.push(t, eventNewMessage, server)
	}()

	msg, err := c.Send(context.Background(), "2", "squats tomorrow")
	require.NoError(t, err)
	require.Equal(t, "50", msg.ID)

	conv := c.Conversation("2")
	require.Eventually(t, func() bool {
		got := conv.Messages()
		return len(got) == 1 && got[0].ID == "50"
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, conv.Len())
	require.False(t, conv.Messages()[0].IsLocal())
}

func TestSendFailureKeepsContent(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, contactsMux())

	_, err := c.Send(context.Background(), "2", "did you log the workout?")
	require.Error(t, err)

	var se *SendError
	require.True(t, errors.As(err, &se))
	require.Equal(t, "did you log the workout?", se.Content)
	require.Equal(t, Identity("2"), se.To)
	require.ErrorIs(t, err, ErrNotConnected)
	require.Zero(t, c.Conversation("2").Len())
}

func TestSendEmptyIsValidationError(t *testing.T) {
	c := newTestClient(t, &fakeDialer{}, contactsMux())
	_, err := c.Send(context.Background(), "2", "  ")
	require.ErrorIs(t, err, ErrEmptyContent)
}
