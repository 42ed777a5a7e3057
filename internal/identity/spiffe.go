/*
SPIFFE peer identity
Binds the executor/producer consumer ID to a SPIFFE SVID so a pub/sub
subscription or supervisor launch can be scoped to a verified workload
identity instead of a bare string.
*/

package identity

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// SPIFFEVerifier verifies SPIFFE SVIDs presented by a consumer process
// before a pub/sub subscription or job launch is bound to it.
type SPIFFEVerifier struct {
	source *workloadapi.X509Source
}

// NewSPIFFEVerifier connects to the local SPIRE agent over socketPath.
// A short timeout keeps supervisor startup from hanging when no SPIRE
// agent is deployed (identity binding is optional, not required).
func NewSPIFFEVerifier(socketPath string) (*SPIFFEVerifier, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to SPIRE agent: %w", err)
	}

	slog.Info("connected to SPIRE agent", "socket_path", socketPath)
	return &SPIFFEVerifier{source: source}, nil
}

// VerifyConsumerSVID checks that the workload's current SVID matches
// the SPIFFE ID claimed for a consumerId, returning a stable 64-bit
// fingerprint of the certificate for inclusion in runtime info.
func (sv *SPIFFEVerifier) VerifyConsumerSVID(spiffeID string) (uint64, error) {
	id, err := spiffeid.FromString(spiffeID)
	if err != nil {
		return 0, fmt.Errorf("invalid SPIFFE ID: %w", err)
	}

	svid, err := sv.source.GetX509SVID()
	if err != nil {
		return 0, fmt.Errorf("get SVID: %w", err)
	}

	if svid.ID.String() != id.String() {
		return 0, fmt.Errorf("SPIFFE ID mismatch: expected %s, got %s", id, svid.ID)
	}

	fp := certFingerprint(svid.Certificates[0].Raw)
	slog.Info("verified consumer SVID", "spiffe_id", spiffeID, "fingerprint", fp)
	return fp, nil
}

func certFingerprint(certDER []byte) uint64 {
	hash := sha256.Sum256(certDER)
	var result uint64
	for i := 0; i < 8; i++ {
		result = (result << 8) | uint64(hash[i])
	}
	return result
}

// MTLSConfig returns a TLS config for mTLS between supervisor and a
// locally launched executor/producer job.
func (sv *SPIFFEVerifier) MTLSConfig() (*tls.Config, error) {
	return tlsconfig.MTLSClientConfig(sv.source, sv.source, tlsconfig.AuthorizeAny()), nil
}

// Close releases the underlying workload API connection.
func (sv *SPIFFEVerifier) Close() error {
	return sv.source.Close()
}

// ConsumerSPIFFEID builds the SPIFFE ID a supervisor-launched consumer
// process (executor or producer) is expected to present, e.g.
// spiffe://toolbridge.example.com/consumer/<consumerId>.
func ConsumerSPIFFEID(trustDomain, consumerID string) string {
	return fmt.Sprintf("spiffe://%s/consumer/%s", trustDomain, consumerID)
}
