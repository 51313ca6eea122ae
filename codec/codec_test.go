package codec

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/rbaliyan/relay"
)

func sampleMessage() *relay.Message {
	next := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	msg := relay.NewMessage([]byte(`{"event":"push"}`))
	msg.Status = relay.StatusFailed
	msg.RetryCount = 3
	msg.NextRetryAt = &next
	msg.Error = "connection reset"
	msg.SetMetadata("source", "github")
	msg.Position = "1700000000000-0"
	return msg
}

func TestCodecs(t *testing.T) {
	codecs := []Codec{JSON{}, MsgPack{}}

	for _, c := range codecs {
		t.Run(c.Name()+" round trip", func(t *testing.T) {
			msg := sampleMessage()

			data, err := c.Encode(msg)
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			decoded, err := c.Decode(data)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if !cmp.Equal(decoded, msg) {
				t.Errorf("round trip diff: %s", cmp.Diff(msg, decoded))
			}
		})

		t.Run(c.Name()+" rejects garbage", func(t *testing.T) {
			_, err := c.Decode([]byte{0xff, 0x00, '{'})
			if !errors.Is(err, ErrDecodeFailure) {
				t.Errorf("expected ErrDecodeFailure, got %v", err)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	if got := Default().Name(); got != "json" {
		t.Errorf("expected json default, got %s", got)
	}
}
