package omegachat

import (
	"encoding/json"
	"testing"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		typ     string
		payload string
		want    Event
		wantErr bool
	}{
		{
			name:    "created",
			typ:     EventMessageCreated,
			payload: `{"_id":"m1","sender":"a","receiver":"b","message":"hi","timestamp":"2026-01-01T00:00:00Z"}`,
			want:    MessageCreated{Message: Message{ID: "m1", SenderID: "a", ReceiverID: "b", Text: "hi", CreatedAt: parseTime("2026-01-01T00:00:00Z")}},
		},
		{
			name:    "created without id",
			typ:     EventMessageCreated,
			payload: `{"sender":"a","receiver":"b","message":"hi"}`,
			wantErr: true,
		},
		{
			name:    "deleted by messageId",
			typ:     EventMessageDeleted,
			payload: `{"messageId":"m1"}`,
			want:    MessageDeleted{MessageID: "m1"},
		},
		{
			name:    "deleted by _id",
			typ:     EventMessageDeleted,
			payload: `{"_id":"m2"}`,
			want:    MessageDeleted{MessageID: "m2"},
		},
		{
			name:    "presence status string",
			typ:     EventPresenceChanged,
			payload: `{"userId":"u1","status":"online"}`,
			want:    PresenceChanged{UserID: "u1", Online: true},
		},
		{
			name:    "presence offline",
			typ:     EventPresenceChanged,
			payload: `{"userId":"u1","online":false}`,
			want:    PresenceChanged{UserID: "u1"},
		},
		{
			name:    "typing",
			typ:     EventTypingStarted,
			payload: `{"userId":"u1","to":"u2"}`,
			want:    TypingStarted{UserID: "u1"},
		},
		{
			name:    "unknown type",
			typ:     "reaction.added",
			payload: `{}`,
		},
		{
			name:    "malformed",
			typ:     EventPresenceChanged,
			payload: `[`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeEvent(&RealtimeEnvelope{Type: tt.typ, Payload: json.RawMessage(tt.payload)})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tt.want == nil {
				if got != nil {
					t.Errorf("got %#v, want nil", got)
				}
				return
			}
			if got == nil || got.EventType() != tt.typ {
				t.Fatalf("got %#v", got)
			}
			switch want := tt.want.(type) {
			case MessageCreated:
				g := got.(MessageCreated)
				if g.Message.ID != want.Message.ID || g.Message.Text != want.Message.Text || !g.Message.CreatedAt.Equal(want.Message.CreatedAt) {
					t.Errorf("got %+v, want %+v", g, want)
				}
			default:
				if got != tt.want {
					t.Errorf("got %#v, want %#v", got, tt.want)
				}
			}
		})
	}
}
