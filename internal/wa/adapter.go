package wa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/whatsmeow"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"

	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/session"
	"github.com/matheus3301/inbox/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

// ErrAlreadyLoggedIn is returned when pairing is requested for a device that
// already holds credentials.
var ErrAlreadyLoggedIn = errors.New("already logged in")

// Adapter owns the push transport client and its device store.
type Adapter struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewAdapter creates a push transport adapter for the given session.
// deviceName is shown on the phone's linked devices list.
func NewAdapter(ctx context.Context, sessionName, deviceName string, b *bus.Bus, logger *zap.Logger) (*Adapter, error) {
	wastore.SetOSInfo(deviceName, [3]uint32{0, 1, 0})

	dbPath := session.DevicePath(sessionName)
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create device store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("get device store: %w", err)
	}

	a := &Adapter{
		client:    whatsmeow.NewClient(deviceStore, nil),
		container: container,
		bus:       b,
		logger:    logger,
	}
	logger.Info("device store opened", zap.String("path", dbPath), zap.Bool("paired", a.IsLoggedIn()))
	return a, nil
}

// IsLoggedIn returns whether the adapter has valid credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.client.Store.ID != nil
}

// Connect initiates the connection.
func (a *Adapter) Connect() error {
	a.logger.Info("connecting push transport")
	return a.client.Connect()
}

// Close disconnects and releases the device store.
func (a *Adapter) Close() error {
	a.logger.Info("disconnecting push transport")
	a.client.Disconnect()
	return a.container.Close()
}

// RegisterEventHandler adds a handler for whatsmeow events.
func (a *Adapter) RegisterEventHandler(handler whatsmeow.EventHandler) {
	a.client.AddEventHandler(handler)
}

// qrChannel returns the pairing channel. Must be called before Connect.
func (a *Adapter) qrChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	if a.IsLoggedIn() {
		return nil, ErrAlreadyLoggedIn
	}
	ch, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("get QR channel: %w", err)
	}
	return ch, nil
}

// PublishContacts reads the device store's contact book and publishes it as
// participant names for direct threads.
func (a *Adapter) PublishContacts(ctx context.Context) int {
	all, err := a.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		a.logger.Warn("failed to get contacts from device store", zap.Error(err))
		return 0
	}
	contacts := make([]store.Participant, 0, len(all))
	for jid, info := range all {
		id := a.ResolveLID(ctx, jid.ToNonAD()).String()
		contacts = append(contacts, store.Participant{
			ThreadGUID:   id,
			Address:      id,
			ContactName:  info.FullName,
			InferredName: info.PushName,
		})
	}
	if len(contacts) > 0 {
		a.bus.Publish(bus.Event{Kind: "wa.contacts", Timestamp: time.Now(), Payload: contacts})
	}
	return len(contacts)
}

// PhoneNumber returns the phone number from the device store, or empty string.
func (a *Adapter) PhoneNumber() string {
	if a.client == nil || a.client.Store.ID == nil {
		return ""
	}
	return a.client.Store.ID.User
}

// ResolveLID resolves a LID JID to its phone number JID using the device store mapping.
// Returns the original JID if it's not a LID or if resolution fails.
func (a *Adapter) ResolveLID(ctx context.Context, jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer && jid.Server != types.HostedLIDServer {
		return jid
	}
	if a.client == nil || a.client.Store == nil || a.client.Store.LIDs == nil {
		return jid
	}
	pn, err := a.client.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		return jid
	}
	return pn
}
