package presence

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvdyellow/server/internal/model"
	"github.com/dvdyellow/server/internal/protocol"
	"github.com/dvdyellow/server/internal/server"
)

type mockRankingRepo struct {
	FindUserByIDFunc              func(ctx context.Context, id int64) (*model.User, error)
	ListUsersByRatingFunc         func(ctx context.Context) ([]model.User, error)
	CountUsersWithRatingAboveFunc func(ctx context.Context, rating float64) (int, error)
}

func (r *mockRankingRepo) FindUserByID(ctx context.Context, id int64) (*model.User, error) {
	return r.FindUserByIDFunc(ctx, id)
}

func (r *mockRankingRepo) ListUsersByRating(ctx context.Context) ([]model.User, error) {
	return r.ListUsersByRatingFunc(ctx)
}

func (r *mockRankingRepo) CountUsersWithRatingAbove(ctx context.Context, rating float64) (int, error) {
	return r.CountUsersWithRatingAboveFunc(ctx, rating)
}

type pushedMsg struct {
	channel int64
	body    protocol.Map
}

func newUserConn(t *testing.T, uid int64, name string) (*server.Conn, <-chan pushedMsg) {
	t.Helper()
	serverEnd, clientEnd := net.Pipe()
	t.Cleanup(func() {
		serverEnd.Close()
		clientEnd.Close()
	})

	c := server.NewConn(serverEnd)
	if uid != 0 {
		c.SetUser(uid, name)
	}

	msgs := make(chan pushedMsg, 16)
	go func() {
		for {
			payload, err := protocol.ReadFrame(clientEnd)
			if err != nil {
				return
			}
			channel, body, err := protocol.DecodeEnvelope(payload)
			if err != nil {
				return
			}
			fields, _ := body.(protocol.Map)
			msgs <- pushedMsg{channel: channel, body: fields}
		}
	}()
	return c, msgs
}

func recvMsg(t *testing.T, msgs <-chan pushedMsg) pushedMsg {
	t.Helper()
	select {
	case m := <-msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a notification")
		return pushedMsg{}
	}
}

func assertNoMsg(t *testing.T, msgs <-chan pushedMsg) {
	t.Helper()
	select {
	case m := <-msgs:
		t.Fatalf("unexpected notification on channel %d: %v", m.channel, m.body)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestListenersReceiveStatusChanges(t *testing.T) {
	m := NewManager(&mockRankingRepo{})
	ctx := context.Background()

	alice, _ := newUserConn(t, 1, "alice")
	listener, msgs := newUserConn(t, 2, "bob")

	resp := m.Handle(ctx, listener, protocol.Map{"command": "start-listening"})
	require.Equal(t, protocol.OK(nil), resp)

	resp = m.Handle(ctx, alice, protocol.Map{
		"command": "set-status", "new-status": "waiting",
	})
	require.Equal(t, protocol.OK(nil), resp)

	notif := recvMsg(t, msgs)
	assert.Equal(t, int64(protocol.ChannelStatusChange), notif.channel)
	assert.Equal(t, protocol.Map{
		"notification": "status-change",
		"user":         int64(1),
		"status":       "waiting",
	}, notif.body)
}

func TestNonListenersReceiveNothing(t *testing.T) {
	m := NewManager(&mockRankingRepo{})
	ctx := context.Background()

	alice, _ := newUserConn(t, 1, "alice")
	_, msgs := newUserConn(t, 2, "bob")

	require.Equal(t, protocol.OK(nil),
		m.Handle(ctx, alice, protocol.Map{"command": "set-status", "new-status": "waiting"}))
	assertNoMsg(t, msgs)
}

func TestStopListening(t *testing.T) {
	m := NewManager(&mockRankingRepo{})
	ctx := context.Background()

	alice, _ := newUserConn(t, 1, "alice")
	listener, msgs := newUserConn(t, 2, "bob")

	resp := m.Handle(ctx, listener, protocol.Map{"command": "stop-listening"})
	assert.Equal(t, protocol.Errorf("NOT_LISTENING"), resp)

	require.Equal(t, protocol.OK(nil), m.Handle(ctx, listener, protocol.Map{"command": "start-listening"}))
	require.Equal(t, protocol.OK(nil), m.Handle(ctx, listener, protocol.Map{"command": "stop-listening"}))

	require.Equal(t, protocol.OK(nil),
		m.Handle(ctx, alice, protocol.Map{"command": "set-status", "new-status": "waiting"}))
	assertNoMsg(t, msgs)
}

func TestSetStatusValidation(t *testing.T) {
	m := NewManager(&mockRankingRepo{})
	ctx := context.Background()

	anonymous, _ := newUserConn(t, 0, "")
	resp := m.Handle(ctx, anonymous, protocol.Map{"command": "set-status", "new-status": "waiting"})
	assert.Equal(t, protocol.Errorf("INVALID_USER"), resp)

	alice, _ := newUserConn(t, 1, "alice")
	resp = m.Handle(ctx, alice, protocol.Map{
		"command": "set-status", "uid": int64(2), "new-status": "waiting",
	})
	assert.Equal(t, protocol.Errorf("INVALID_USER"), resp, "cannot set another user's status")

	resp = m.Handle(ctx, alice, protocol.Map{"command": "set-status"})
	assert.Equal(t, protocol.Errorf("NO_STATUS"), resp)

	resp = m.Handle(ctx, alice, protocol.Map{
		"command": "set-status", "uid": int64(1), "new-status": "waiting",
	})
	assert.Equal(t, protocol.OK(nil), resp, "matching uid claim is fine")
}

func TestGetStatusDefaultsToDisconnected(t *testing.T) {
	m := NewManager(&mockRankingRepo{})
	ctx := context.Background()
	alice, _ := newUserConn(t, 1, "alice")

	resp := m.Handle(ctx, alice, protocol.Map{"command": "get-status"})
	assert.Equal(t, protocol.Errorf("NO_ID"), resp)

	resp = m.Handle(ctx, alice, protocol.Map{"command": "get-status", "id": int64(7)})
	assert.Equal(t, protocol.OK(protocol.Map{
		"user":        int64(7),
		"user-status": StatusDisconnected,
	}), resp)

	require.Equal(t, protocol.OK(nil),
		m.Handle(ctx, alice, protocol.Map{"command": "set-status", "new-status": "playing"}))

	resp = m.Handle(ctx, alice, protocol.Map{"command": "get-status", "id": int64(1)})
	assert.Equal(t, protocol.OK(protocol.Map{
		"user":        int64(1),
		"user-status": "playing",
	}), resp)
}

func TestWaitingRoomListsKnownStatuses(t *testing.T) {
	m := NewManager(&mockRankingRepo{})
	ctx := context.Background()

	alice, _ := newUserConn(t, 1, "alice")
	bob, _ := newUserConn(t, 2, "bob")

	require.Equal(t, protocol.OK(nil),
		m.Handle(ctx, alice, protocol.Map{"command": "set-status", "new-status": "waiting"}))
	require.Equal(t, protocol.OK(nil),
		m.Handle(ctx, bob, protocol.Map{"command": "set-status", "new-status": "playing"}))

	resp := m.Handle(ctx, alice, protocol.Map{"command": "get-waiting-room"})
	assert.Equal(t, protocol.OK(protocol.Map{
		"waiting-room": protocol.Map{"1": "waiting", "2": "playing"},
	}), resp)

	// setting disconnected erases the entry
	require.Equal(t, protocol.OK(nil),
		m.Handle(ctx, bob, protocol.Map{"command": "set-status", "new-status": StatusDisconnected}))

	resp = m.Handle(ctx, alice, protocol.Map{"command": "get-waiting-room"})
	assert.Equal(t, protocol.OK(protocol.Map{
		"waiting-room": protocol.Map{"1": "waiting"},
	}), resp)
}

func TestDisconnectBroadcastsAndCleansUp(t *testing.T) {
	m := NewManager(&mockRankingRepo{})
	ctx := context.Background()

	alice, aliceMsgs := newUserConn(t, 1, "alice")
	listener, msgs := newUserConn(t, 2, "bob")

	require.Equal(t, protocol.OK(nil), m.Handle(ctx, alice, protocol.Map{"command": "start-listening"}))
	require.Equal(t, protocol.OK(nil), m.Handle(ctx, listener, protocol.Map{"command": "start-listening"}))
	require.Equal(t, protocol.OK(nil),
		m.Handle(ctx, alice, protocol.Map{"command": "set-status", "new-status": "waiting"}))
	recvMsg(t, aliceMsgs)
	recvMsg(t, msgs)

	m.HandleDisconnect(ctx, alice)

	notif := recvMsg(t, msgs)
	assert.Equal(t, protocol.Map{
		"notification": "status-change",
		"user":         int64(1),
		"status":       StatusDisconnected,
	}, notif.body)
	// the dropping connection itself is no longer a listener
	assertNoMsg(t, aliceMsgs)

	resp := m.Handle(ctx, listener, protocol.Map{"command": "get-waiting-room"})
	assert.Equal(t, protocol.OK(protocol.Map{"waiting-room": protocol.Map{}}), resp)
}

func TestGetRanking(t *testing.T) {
	repo := &mockRankingRepo{
		ListUsersByRatingFunc: func(context.Context) ([]model.User, error) {
			return []model.User{
				{ID: 2, Name: "bob", Rating: 120},
				{ID: 1, Name: "alice", Rating: 95},
			}, nil
		},
	}
	m := NewManager(repo)
	alice, _ := newUserConn(t, 1, "alice")

	resp := m.Handle(context.Background(), alice, protocol.Map{"command": "get-ranking"})
	assert.Equal(t, protocol.OK(protocol.Map{
		"ranking": []protocol.Value{
			protocol.Map{"name": "bob", "points": float64(120)},
			protocol.Map{"name": "alice", "points": float64(95)},
		},
	}), resp)
}

func TestCheckRankingPosition(t *testing.T) {
	repo := &mockRankingRepo{
		FindUserByIDFunc: func(_ context.Context, id int64) (*model.User, error) {
			return &model.User{ID: id, Name: "alice", Rating: 95}, nil
		},
		CountUsersWithRatingAboveFunc: func(_ context.Context, rating float64) (int, error) {
			require.Equal(t, float64(95), rating)
			return 3, nil
		},
	}
	m := NewManager(repo)
	alice, _ := newUserConn(t, 1, "alice")

	resp := m.Handle(context.Background(), alice, protocol.Map{"command": "check-ranking-position"})
	assert.Equal(t, protocol.OK(protocol.Map{"position": int64(4)}), resp)
}
