package pool

import (
	"errors"
	"testing"

	"github.com/sardanioss/netpool/transport"
)

func TestLayerErrorMessage(t *testing.T) {
	tests := []struct {
		name  string
		layer Layer
		err   error
		want  string
	}{
		{
			name:  "adds the layer prefix",
			layer: LayerTCP,
			err:   errors.New("connection refused"),
			want:  "tcp: connection refused",
		},
		{
			name:  "keeps an existing layer prefix",
			layer: LayerTLS,
			err:   &transport.HandshakeError{Cause: errors.New("connection reset")},
			want:  "tls: handshake failed: connection reset",
		},
		{
			name:  "keeps an existing cert prefix",
			layer: LayerTLS,
			err:   &transport.CertError{Cause: errors.New("expired")},
			want:  "tls: certificate error: expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := layerErr(tt.layer, tt.err)
			if got.Error() != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got.Error())
			}
			if !errors.Is(got, tt.err) {
				t.Error("layer error does not unwrap to its cause")
			}
		})
	}
}
