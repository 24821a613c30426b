package kestrel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrelmsg/kestrel/crypto"
	"github.com/kestrelmsg/kestrel/directory"
	"github.com/kestrelmsg/kestrel/group"
	"github.com/kestrelmsg/kestrel/healing"
	"github.com/kestrelmsg/kestrel/keys"
	"github.com/kestrelmsg/kestrel/messaging"
	"github.com/kestrelmsg/kestrel/session"
	"github.com/kestrelmsg/kestrel/storage"
	"github.com/kestrelmsg/kestrel/transport"
)

var (
	// ErrEngineRunning indicates Start was called twice.
	ErrEngineRunning = errors.New("kestrel: engine already running")
	// ErrEngineStopped indicates an operation on a stopped engine.
	ErrEngineStopped = errors.New("kestrel: engine not running")
)

// IncomingMessage is one successfully decrypted pairwise message.
type IncomingMessage struct {
	From      directory.DeviceAddress
	ItemID    string
	Type      messaging.ItemType
	Plaintext []byte
}

// IncomingGroupMessage is one successfully decrypted group message.
type IncomingGroupMessage struct {
	GroupID   string
	From      directory.DeviceAddress
	ItemID    string
	Plaintext []byte
}

// Engine wires the full encryption core for one device: key lifecycle,
// pairwise and group sessions, healing, and the message paths, connected to
// a transport through event listeners.
type Engine struct {
	opts       *Options
	store      storage.Store
	dir        directory.Directory
	keys       *keys.Manager
	sessions   *session.Manager
	groups     *group.Manager
	healing    *healing.Service
	sender     *messaging.Sender
	receiver   *messaging.Receiver
	dispatcher *transport.Dispatcher
	transport  transport.Transport

	onMessage      atomic.Pointer[func(IncomingMessage)]
	onGroupMessage atomic.Pointer[func(IncomingGroupMessage)]

	// Group membership is application state, pushed in via membership hooks
	// and used only to address sender key distribution.
	membersMu sync.Mutex
	members   map[string]map[string]struct{}

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	subs    []uint64
}

// New builds an engine from options. The directory is the only required
// collaborator; everything else has a working default.
func New(opts *Options) (*Engine, error) {
	if opts == nil {
		return nil, errors.New("kestrel: nil options")
	}
	if opts.UserID == "" {
		return nil, errors.New("kestrel: UserID is required")
	}
	if opts.DeviceID == 0 {
		return nil, errors.New("kestrel: DeviceID is required")
	}
	if opts.Directory == nil {
		return nil, errors.New("kestrel: Directory is required")
	}

	var store storage.Store
	if opts.StoragePath != "" {
		fs, err := storage.NewFileStore(opts.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open key storage: %w", err)
		}
		store = fs
	} else {
		store = storage.NewMemoryStore()
	}

	addr := directory.DeviceAddress{UserID: opts.UserID, DeviceID: opts.DeviceID}
	km := keys.NewManager(store, opts.Directory, addr, opts.keyPolicy())
	sm := session.NewManager(store, km, opts.Directory)
	gm := group.NewManager(store, km, nil, opts.groupPolicy())
	hs := healing.NewService(store, km, sm, gm, opts.Directory, opts.healingPolicy())

	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = transport.NewDispatcher()
	}
	tr := opts.Transport
	if tr == nil {
		tr = transport.NewLoopbackTransport(dispatcher)
	}

	sender := messaging.NewSender(sm, km, opts.Directory, tr, hs, opts.MessageLog)
	receiver := messaging.NewReceiver(sm, km, opts.Directory, sender, opts.FailureLog)

	e := &Engine{
		opts:       opts,
		store:      store,
		dir:        opts.Directory,
		keys:       km,
		sessions:   sm,
		groups:     gm,
		healing:    hs,
		sender:     sender,
		receiver:   receiver,
		dispatcher: dispatcher,
		transport:  tr,
		members:    make(map[string]map[string]struct{}),
	}

	// Sender keys travel pairwise-sealed to each member.
	gm.SetDistributor(group.DistributorFunc(e.distributeSenderKey))
	return e, nil
}

// Start bootstraps key material, publishes it, subscribes the inbound
// listeners, and launches the maintenance loop.
func (e *Engine) Start() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return ErrEngineRunning
	}

	if err := e.keys.Bootstrap(); err != nil {
		return fmt.Errorf("key bootstrap failed: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := e.keys.UploadAllKeys(ctx); err != nil {
		cancel()
		return fmt.Errorf("initial key upload failed: %w", err)
	}

	e.subs = append(e.subs,
		e.dispatcher.Subscribe(transport.EventItem, e.opts.UserID, e.handleItemEvent),
		e.dispatcher.Subscribe(transport.EventGroupItem, "", e.handleGroupItemEvent),
		e.dispatcher.Subscribe(transport.EventReconnected, "", e.handleReconnected),
		e.dispatcher.Subscribe(transport.EventKeySync, "", e.handleKeySync),
	)

	e.cancel = cancel
	e.running = true
	e.wg.Add(1)
	go e.maintenanceLoop(ctx)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"address":  e.keys.Address().String(),
	}).Info("Engine started")
	return nil
}

// Stop tears the engine down: listeners unsubscribed, background work
// drained, storage and transport closed.
func (e *Engine) Stop() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if !e.running {
		return ErrEngineStopped
	}

	e.cancel()
	for _, id := range e.subs {
		e.dispatcher.Unsubscribe(id)
	}
	e.subs = nil
	e.wg.Wait()
	e.healing.Wait()
	e.keys.PreKeys.WaitForRegeneration()
	e.running = false

	if err := e.transport.Close(); err != nil {
		return err
	}
	return e.store.Close()
}

func (e *Engine) maintenanceLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.MaintenanceInterval)
	defer ticker.Stop()

	// One verification pass shortly after startup catches corruption that
	// happened while this device was offline.
	e.healing.TriggerSelfVerification(false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.keys.MaintainKeys(ctx); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "maintenanceLoop",
					"error":    err,
				}).Warn("Key maintenance pass failed")
			}
			e.healing.TriggerSelfVerification(false)
		}
	}
}

// Send encrypts and fans out one message to every device of the recipient.
func (e *Engine) Send(ctx context.Context, recipient string, typ messaging.ItemType, payload []byte) (*messaging.SendResult, error) {
	return e.sender.Send(ctx, recipient, typ, payload)
}

// OnMessage registers the handler for decrypted pairwise messages. Only one
// handler is active at a time.
func (e *Engine) OnMessage(handler func(IncomingMessage)) {
	e.onMessage.Store(&handler)
}

// OnGroupMessage registers the handler for decrypted group messages.
func (e *Engine) OnGroupMessage(handler func(IncomingGroupMessage)) {
	e.onGroupMessage.Store(&handler)
}

// AddGroupMember adds a user to a group's distribution list and hands them
// the current sender key.
func (e *Engine) AddGroupMember(ctx context.Context, groupID, userID string) error {
	e.membersMu.Lock()
	if e.members[groupID] == nil {
		e.members[groupID] = make(map[string]struct{})
	}
	e.members[groupID][userID] = struct{}{}
	e.membersMu.Unlock()

	// Ensure a key exists and distribute it, so the new member can read
	// from the next message on.
	rec, err := e.groups.EnsureGroupKey(ctx, groupID, group.KindPersistent)
	if err != nil {
		return err
	}
	return e.distributeSenderKey(ctx, group.DistributionMessage{
		GroupID:   groupID,
		Sender:    e.keys.Address(),
		ChainKey:  rec.Cipher.ChainKey,
		Iteration: rec.Cipher.Iteration,
	})
}

// RemoveGroupMember drops a member from the distribution list and rotates
// the sender key so they cannot read anything sent after their removal.
func (e *Engine) RemoveGroupMember(ctx context.Context, groupID string, member directory.DeviceAddress) error {
	e.membersMu.Lock()
	delete(e.members[groupID], member.UserID)
	e.membersMu.Unlock()

	return e.groups.RemoveMember(ctx, groupID, member)
}

// LeaveGroup drops all local sender key state for the group.
func (e *Engine) LeaveGroup(groupID string) error {
	e.membersMu.Lock()
	delete(e.members, groupID)
	e.membersMu.Unlock()
	return e.groups.ClearGroup(groupID)
}

// SendGroup encrypts one message under the group's sender key and hands it
// to the transport as a single group item.
func (e *Engine) SendGroup(ctx context.Context, groupID string, payload []byte) (string, error) {
	ciphertext, err := e.groups.EncryptForGroup(ctx, groupID, payload)
	if err != nil {
		return "", err
	}

	own := e.keys.Address()
	item := transport.GroupItem{
		ItemID:         transport.NewItemID(),
		ChannelID:      groupID,
		Sender:         own.UserID,
		SenderDeviceID: own.DeviceID,
		Type:           string(messaging.TypeText),
		CipherType:     transport.CipherSenderKey,
		Payload:        ciphertext,
	}
	if err := e.transport.SendGroupItem(ctx, item); err != nil {
		return "", err
	}
	return item.ItemID, nil
}

// groupMembers returns the distribution list for a group, sorted for
// deterministic fan-out.
func (e *Engine) groupMembers(groupID string) []string {
	e.membersMu.Lock()
	defer e.membersMu.Unlock()

	out := make([]string, 0, len(e.members[groupID]))
	for userID := range e.members[groupID] {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// distributeSenderKey pairwise-sends the distribution message to every
// member of the group. Per-member failures are logged, not fatal: a member
// who missed the key recovers via the next rotation broadcast.
func (e *Engine) distributeSenderKey(ctx context.Context, dist group.DistributionMessage) error {
	payload, err := json.Marshal(dist)
	if err != nil {
		return fmt.Errorf("failed to encode distribution message: %w", err)
	}

	for _, userID := range e.groupMembers(dist.GroupID) {
		if userID == e.opts.UserID {
			continue
		}
		if _, err := e.sender.Send(ctx, userID, messaging.TypeSenderKeyDistribution, payload); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "distributeSenderKey",
				"group_id": dist.GroupID,
				"member":   userID,
				"error":    err,
			}).Warn("Failed to distribute sender key to member")
		}
	}
	return nil
}

func (e *Engine) handleItemEvent(ev transport.Event) {
	item := ev.Item
	if item == nil || item.RecipientDeviceID != e.opts.DeviceID {
		return
	}
	from := directory.DeviceAddress{UserID: item.Sender, DeviceID: item.SenderDeviceID}
	if from == e.keys.Address() {
		return
	}

	ctx := context.Background()
	plaintext, err := e.receiver.Decrypt(ctx, from, item.ItemID, item.CipherType, item.Payload)
	if err != nil {
		// The receiver already recorded and classified the failure.
		if item.Type == string(messaging.TypeSessionReset) {
			if resetErr := e.receiver.HandleSessionReset(from); resetErr != nil {
				logrus.WithFields(logrus.Fields{
					"function": "handleItemEvent",
					"address":  from.String(),
					"error":    resetErr,
				}).Warn("Failed to apply session reset")
			}
		}
		return
	}

	switch messaging.ItemType(item.Type) {
	case messaging.TypeSessionReset:
		// Decrypting the notice already replaced the stale session with
		// the fresh one the peer built; nothing further to drop.
	case messaging.TypeSenderKeyDistribution:
		var dist group.DistributionMessage
		if err := json.Unmarshal(plaintext, &dist); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleItemEvent",
				"address":  from.String(),
				"error":    err,
			}).Warn("Malformed sender key distribution")
			return
		}
		if err := e.groups.ProcessDistribution(&dist); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleItemEvent",
				"group_id": dist.GroupID,
				"error":    err,
			}).Warn("Failed to process sender key distribution")
		}
	default:
		if handler := e.onMessage.Load(); handler != nil {
			(*handler)(IncomingMessage{
				From:      from,
				ItemID:    item.ItemID,
				Type:      messaging.ItemType(item.Type),
				Plaintext: plaintext,
			})
		}
	}
}

func (e *Engine) handleGroupItemEvent(ev transport.Event) {
	item := ev.GroupItem
	if item == nil {
		return
	}
	from := directory.DeviceAddress{UserID: item.Sender, DeviceID: item.SenderDeviceID}
	if from == e.keys.Address() {
		return
	}

	plaintext, err := e.groups.DecryptFromGroup(item.ChannelID, from, item.Payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleGroupItemEvent",
			"group_id": item.ChannelID,
			"sender":   from.String(),
			"error":    err,
		}).Warn("Failed to decrypt group item")
		return
	}

	if handler := e.onGroupMessage.Load(); handler != nil {
		(*handler)(IncomingGroupMessage{
			GroupID:   item.ChannelID,
			From:      from,
			ItemID:    item.ItemID,
			Plaintext: plaintext,
		})
	}
}

// handleReconnected forces a verification pass: an outage is exactly when
// server-side state drifts.
func (e *Engine) handleReconnected(transport.Event) {
	e.healing.TriggerSelfVerification(true)
}

// handleKeySync reacts to directory-originated control events, such as a
// prekey reconciliation request, with a forced verification.
func (e *Engine) handleKeySync(transport.Event) {
	e.healing.TriggerSelfVerification(true)
}

// WaitBackground drains background healing and prekey regeneration work.
// Shutdown and tests use it; the message paths never block on it.
func (e *Engine) WaitBackground() {
	e.healing.Wait()
	e.keys.PreKeys.WaitForRegeneration()
}

// Address returns this device's directory address.
func (e *Engine) Address() directory.DeviceAddress {
	return e.keys.Address()
}

// IdentityFingerprint returns the hex fingerprint of the local identity
// exchange key, for out-of-band comparison in the application's UI.
func (e *Engine) IdentityFingerprint() (string, error) {
	identity, err := e.keys.EnsureIdentity()
	if err != nil {
		return "", err
	}
	return crypto.Fingerprint(identity.Identity.Exchange.Public[:]), nil
}

// Verify runs a forced self-verification pass synchronously.
func (e *Engine) Verify(ctx context.Context) (*healing.VerificationResult, error) {
	return e.healing.Verify(ctx, true)
}
