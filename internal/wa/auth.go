package wa

import (
	"context"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/matheus3301/inbox/internal/bus"
)

// AuthEventType enumerates pairing event types.
type AuthEventType string

const (
	AuthEventQRCode        AuthEventType = "qr_code"
	AuthEventAuthenticated AuthEventType = "authenticated"
	AuthEventAuthFailed    AuthEventType = "auth_failed"
	AuthEventTimeout       AuthEventType = "timeout"
)

// AuthEvent represents a pairing lifecycle event.
type AuthEvent struct {
	Type    AuthEventType
	QRCode  string
	Message string
}

// StartQRAuth begins the QR pairing flow and mirrors its events to the bus.
// The caller should read the returned channel until it closes.
func (a *Adapter) StartQRAuth(ctx context.Context) (<-chan AuthEvent, error) {
	qrChan, err := a.qrChannel(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan AuthEvent, 10)
	emit := func(evt AuthEvent, kind string, payload any) {
		out <- evt
		a.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
	}

	go func() {
		defer close(out)

		// Connect must follow qrChannel.
		if err := a.Connect(); err != nil {
			emit(AuthEvent{Type: AuthEventAuthFailed, Message: err.Error()}, "session.auth_failed", err.Error())
			return
		}

		for item := range qrChan {
			switch item.Event {
			case "code":
				emit(AuthEvent{Type: AuthEventQRCode, QRCode: item.Code}, "session.qr_generated", item.Code)
			case "success":
				emit(AuthEvent{Type: AuthEventAuthenticated, Message: "authenticated"}, "session.authenticated", nil)
				return
			case "timeout":
				emit(AuthEvent{Type: AuthEventTimeout, Message: "QR code timeout"}, "session.auth_failed", "timeout")
				return
			default:
				if item.Error != nil {
					emit(AuthEvent{Type: AuthEventAuthFailed, Message: item.Error.Error()}, "session.auth_failed", item.Error.Error())
					return
				}
			}
		}
	}()

	return out, nil
}

// RenderQR converts a pairing code to a compact terminal QR block using
// Unicode half-block characters. Two bitmap rows become one terminal line.
func RenderQR(content string) (string, error) {
	qr, err := qrcode.New(content, qrcode.Low)
	if err != nil {
		return "", err
	}
	bitmap := qr.Bitmap()

	var sb strings.Builder
	for y := 0; y < len(bitmap); y += 2 {
		sb.WriteString("  ")
		for x := range bitmap[y] {
			top := bitmap[y][x]
			bot := y+1 < len(bitmap) && bitmap[y+1][x]
			switch {
			case top && bot:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bot:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String(), nil
}
