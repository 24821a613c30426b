package kestrel

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmsg/kestrel/directory"
	"github.com/kestrelmsg/kestrel/messaging"
	"github.com/kestrelmsg/kestrel/transport"
)

type inbox struct {
	mu       sync.Mutex
	messages []IncomingMessage
	group    []IncomingGroupMessage
}

func (in *inbox) onMessage(msg IncomingMessage) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.messages = append(in.messages, msg)
}

func (in *inbox) onGroupMessage(msg IncomingGroupMessage) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.group = append(in.group, msg)
}

func (in *inbox) Messages() []IncomingMessage {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]IncomingMessage, len(in.messages))
	copy(out, in.messages)
	return out
}

func (in *inbox) Group() []IncomingGroupMessage {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]IncomingGroupMessage, len(in.group))
	copy(out, in.group)
	return out
}

func newTestEngine(t *testing.T, dir *directory.MemoryDirectory, disp *transport.Dispatcher, lt *transport.LoopbackTransport, userID string, deviceID uint32) (*Engine, *inbox) {
	t.Helper()

	opts := NewOptions(userID, deviceID)
	opts.Directory = dir
	opts.Dispatcher = disp
	opts.Transport = lt
	opts.PreKeyPoolTarget = 10
	opts.PreKeyLowWater = 2

	e, err := New(opts)
	require.NoError(t, err)

	in := &inbox{}
	e.OnMessage(in.onMessage)
	e.OnGroupMessage(in.onGroupMessage)

	require.NoError(t, e.Start())
	t.Cleanup(func() {
		if err := e.Stop(); err != nil {
			t.Logf("engine stop: %v", err)
		}
	})
	return e, in
}

func testCluster(t *testing.T) (*directory.MemoryDirectory, *transport.Dispatcher, *transport.LoopbackTransport) {
	t.Helper()
	dir := directory.NewMemoryDirectory()
	disp := transport.NewDispatcher()
	return dir, disp, transport.NewLoopbackTransport(disp)
}

func TestEngineOptionValidation(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	opts := NewOptions("", 1)
	opts.Directory = directory.NewMemoryDirectory()
	_, err = New(opts)
	assert.Error(t, err)

	opts = NewOptions("alice", 0)
	opts.Directory = directory.NewMemoryDirectory()
	_, err = New(opts)
	assert.Error(t, err)

	opts = NewOptions("alice", 1)
	_, err = New(opts)
	assert.Error(t, err, "directory collaborator is required")
}

func TestEngineStartStop(t *testing.T) {
	dir, disp, lt := testCluster(t)

	opts := NewOptions("alice", 1)
	opts.Directory = dir
	opts.Dispatcher = disp
	opts.Transport = lt
	opts.PreKeyPoolTarget = 10

	e, err := New(opts)
	require.NoError(t, err)

	require.NoError(t, e.Start())
	assert.ErrorIs(t, e.Start(), ErrEngineRunning)

	// Starting published the full key set.
	status, err := dir.Status(context.Background(), e.Address())
	require.NoError(t, err)
	assert.True(t, status.HasIdentity)
	assert.True(t, status.HasSignedPreKey)
	assert.Equal(t, 10, status.PreKeyCount)

	require.NoError(t, e.Stop())
	assert.ErrorIs(t, e.Stop(), ErrEngineStopped)
}

func TestEngineRoundTrip(t *testing.T) {
	dir, disp, lt := testCluster(t)
	alice, _ := newTestEngine(t, dir, disp, lt, "alice", 1)
	_, bobIn := newTestEngine(t, dir, disp, lt, "bob", 1)

	result, err := alice.Send(context.Background(), "bob", messaging.TypeText, []byte("hello bob"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)

	msgs := bobIn.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("hello bob"), msgs[0].Plaintext)
	assert.Equal(t, messaging.TypeText, msgs[0].Type)
	assert.Equal(t, alice.Address(), msgs[0].From)
}

// A recipient device that is offline must not block delivery to the rest:
// the send succeeds and the online device gets its ciphertext.
func TestEngineOfflineDevice(t *testing.T) {
	dir, disp, lt := testCluster(t)
	alice, _ := newTestEngine(t, dir, disp, lt, "alice", 1)
	_, bob1In := newTestEngine(t, dir, disp, lt, "bob", 1)
	_, bob2In := newTestEngine(t, dir, disp, lt, "bob", 2)

	lt.Drop = func(item transport.Item) bool {
		return item.Recipient == "bob" && item.RecipientDeviceID == 2
	}

	result, err := alice.Send(context.Background(), "bob", messaging.TypeText, []byte("one of you is away"))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Delivered)

	assert.Len(t, bob1In.Messages(), 1)
	assert.Empty(t, bob2In.Messages(), "offline device receives nothing until it returns")
}

func TestEngineGroupMessaging(t *testing.T) {
	dir, disp, lt := testCluster(t)
	alice, _ := newTestEngine(t, dir, disp, lt, "alice", 1)
	_, bobIn := newTestEngine(t, dir, disp, lt, "bob", 1)
	_, carolIn := newTestEngine(t, dir, disp, lt, "carol", 1)

	ctx := context.Background()
	require.NoError(t, alice.AddGroupMember(ctx, "team", "bob"))
	require.NoError(t, alice.AddGroupMember(ctx, "team", "carol"))

	itemID, err := alice.SendGroup(ctx, "team", []byte("standup in five"))
	require.NoError(t, err)
	require.NotEmpty(t, itemID)

	bobGroup := bobIn.Group()
	require.Len(t, bobGroup, 1)
	assert.Equal(t, "team", bobGroup[0].GroupID)
	assert.Equal(t, []byte("standup in five"), bobGroup[0].Plaintext)
	assert.Equal(t, alice.Address(), bobGroup[0].From)

	carolGroup := carolIn.Group()
	require.Len(t, carolGroup, 1)
	assert.Equal(t, []byte("standup in five"), carolGroup[0].Plaintext)
}

func TestEngineGroupMemberRemoval(t *testing.T) {
	dir, disp, lt := testCluster(t)
	alice, _ := newTestEngine(t, dir, disp, lt, "alice", 1)
	bob, bobIn := newTestEngine(t, dir, disp, lt, "bob", 1)
	_, carolIn := newTestEngine(t, dir, disp, lt, "carol", 1)

	ctx := context.Background()
	require.NoError(t, alice.AddGroupMember(ctx, "team", "bob"))
	require.NoError(t, alice.AddGroupMember(ctx, "team", "carol"))

	_, err := alice.SendGroup(ctx, "team", []byte("before removal"))
	require.NoError(t, err)
	require.Len(t, bobIn.Group(), 1)

	require.NoError(t, alice.RemoveGroupMember(ctx, "team", bob.Address()))

	_, err = alice.SendGroup(ctx, "team", []byte("after removal"))
	require.NoError(t, err)

	// Carol got the rotated key via the rebroadcast and keeps reading; bob
	// is out and cannot decrypt the rotated chain.
	carolGroup := carolIn.Group()
	require.Len(t, carolGroup, 2)
	assert.Equal(t, []byte("after removal"), carolGroup[1].Plaintext)
	assert.Len(t, bobIn.Group(), 1)
}

// Reconnecting after an outage forces a verification pass; confirmed
// corruption found by it is healed without any caller involvement.
func TestEngineReconnectHealsCorruption(t *testing.T) {
	dir, disp, lt := testCluster(t)
	alice, _ := newTestEngine(t, dir, disp, lt, "alice", 1)
	alice.WaitBackground()

	dir.ReplaceIdentity(alice.Address(), directory.IdentityAnnouncement{
		ExchangeKey: [32]byte{0xDE, 0xAD},
		SigningKey:  make([]byte, 32),
	})

	disp.Dispatch(transport.Event{Type: transport.EventReconnected})
	alice.WaitBackground()

	status, err := dir.Status(context.Background(), alice.Address())
	require.NoError(t, err)
	fingerprint, err := alice.IdentityFingerprint()
	require.NoError(t, err)
	assert.NotEmpty(t, fingerprint)

	identity, err := alice.keys.EnsureIdentity()
	require.NoError(t, err)
	assert.Equal(t, identity.Identity.Exchange.Public, status.IdentityKey,
		"reconnect-triggered healing must restore the server's view from local state")
}

func TestEngineVerifySynchronous(t *testing.T) {
	dir, disp, lt := testCluster(t)
	alice, _ := newTestEngine(t, dir, disp, lt, "alice", 1)
	alice.WaitBackground()

	result, err := alice.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, result.IsValid)
}
