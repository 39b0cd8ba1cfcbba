package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestEncodePayload(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    string
		wantErr bool
	}{
		{name: "nil", in: nil, want: "{}"},
		{name: "map", in: map[string]any{"a": 1, "b": "x"}, want: `{"a":1,"b":"x"}`},
		{name: "raw json", in: json.RawMessage(`[1,2]`), want: `[1,2]`},
		{name: "invalid raw json", in: json.RawMessage(`{`), wantErr: true},
		{name: "unencodable", in: func() {}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodePayload(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("EncodePayload() error = %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}

	payload, _ := NewPayload([]byte(`{"k":true}`))
	if got, _ := EncodePayload(payload); string(got) != `{"k":true}` {
		t.Fatalf("payloads pass through verbatim, got %s", got)
	}
}

func TestPayload(t *testing.T) {
	empty, err := NewPayload([]byte("  "))
	if err != nil || empty.String() != "{}" {
		t.Fatalf("blank payloads decode as an empty object, got %q (%v)", empty.String(), err)
	}
	if _, err := NewPayload([]byte(`{"a":`)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	payload, err := NewPayload([]byte(`{"id":9007199254740993,"name":"x"}`))
	if err != nil {
		t.Fatalf("NewPayload() error = %v", err)
	}
	fields, err := payload.Map()
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if fields["id"] != json.Number("9007199254740993") {
		t.Fatalf("large integers must survive as json.Number, got %#v", fields["id"])
	}

	var typed struct {
		Name string `json:"name"`
	}
	if err := payload.Decode(&typed); err != nil || typed.Name != "x" {
		t.Fatalf("Decode() = %+v, %v", typed, err)
	}
	if err := payload.Decode(&[]int{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error decoding into the wrong shape, got %v", err)
	}

	copied := payload.Bytes()
	copied[0] = '['
	if payload.String()[0] != '{' {
		t.Fatal("Bytes must return a copy")
	}

	embedded, err := json.Marshal(map[string]any{"payload": payload})
	if err != nil || string(embedded) != `{"payload":{"id":9007199254740993,"name":"x"}}` {
		t.Fatalf("payload must embed verbatim, got %s (%v)", embedded, err)
	}
}

func TestRateLimitWindow(t *testing.T) {
	tests := []struct {
		limit   RateLimit
		want    time.Duration
		wantErr bool
	}{
		{limit: RateLimit{Limit: 1, Seconds: 10}, want: 10 * time.Second},
		{limit: RateLimit{Limit: 5, Minutes: 2}, want: 2 * time.Minute},
		{limit: RateLimit{Limit: 5, Hours: 1}, want: time.Hour},
		{limit: RateLimit{Limit: 5, Days: 1}, want: 24 * time.Hour},
		{limit: RateLimit{Limit: 0, Seconds: 1}, wantErr: true},
		{limit: RateLimit{Limit: 1}, wantErr: true},
		{limit: RateLimit{Limit: 1, Seconds: 1, Days: 1}, wantErr: true},
		{limit: RateLimit{Limit: 1, Minutes: -1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%+v", tt.limit), func(t *testing.T) {
			got, err := tt.limit.Window()
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("Window() = %v, %v; want %v", got, err, tt.want)
			}
		})
	}
}

func TestRateLimitResolveKey(t *testing.T) {
	if got := (RateLimit{}).ResolveKey(" mail.send "); got != "mail.send" {
		t.Fatalf("expected job name, got %q", got)
	}
	if got := (RateLimit{Key: "smtp"}).ResolveKey("mail.send"); got != "smtp" {
		t.Fatalf("expected shared key, got %q", got)
	}
}

func TestProperty_RateLimitNeedsExactlyOneUnit(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("a window resolves only when exactly one unit is set", prop.ForAll(
		func(seconds, minutes, hours, days int) bool {
			limit := RateLimit{Limit: 1, Seconds: seconds, Minutes: minutes, Hours: hours, Days: days}
			set := 0
			for _, unit := range []int{seconds, minutes, hours, days} {
				if unit > 0 {
					set++
				}
			}
			window, err := limit.Window()
			if set == 1 {
				return err == nil && window > 0
			}
			return errors.Is(err, ErrValidation)
		},
		gen.IntRange(0, 3),
		gen.IntRange(0, 3),
		gen.IntRange(0, 3),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestPermanentErrors(t *testing.T) {
	cause := errors.New("card declined")
	wrapped := FailPermanentlyf("charge %s: %w", "inv-1", cause)
	if !IsPermanent(wrapped) || !errors.Is(wrapped, cause) {
		t.Fatalf("expected permanent error wrapping the cause, got %v", wrapped)
	}
	if wrapped.Error() != "charge inv-1: card declined" {
		t.Fatalf("unexpected message %q", wrapped.Error())
	}
	if !IsPermanent(fmt.Errorf("outer: %w", FailPermanently("bad input"))) {
		t.Fatal("IsPermanent must look through wrapping")
	}
	if IsPermanent(cause) {
		t.Fatal("plain errors are retryable")
	}
	if got := (&PermanentError{Err: cause}).Error(); got != "card declined" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := (&PermanentError{}).Error(); got != "job failed permanently" {
		t.Fatalf("unexpected default message %q", got)
	}
}
