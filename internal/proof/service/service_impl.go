package service

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/smallbiznis/streampay/internal/clock"
	"github.com/smallbiznis/streampay/internal/config"
	obsmetrics "github.com/smallbiznis/streampay/internal/observability/metrics"
	proofdomain "github.com/smallbiznis/streampay/internal/proof/domain"
	sessiondomain "github.com/smallbiznis/streampay/internal/session/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Policy     *config.PolicyHolder `optional:"true"`
	SessionSvc sessiondomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	clock      clock.Clock
	policy     *config.PolicyHolder
	sessionSvc sessiondomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) proofdomain.Verifier {
	return &Service{
		log:        p.Log.Named("proof.verifier"),
		clock:      p.Clock,
		policy:     p.Policy,
		sessionSvc: p.SessionSvc,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Verify(ctx context.Context, intent proofdomain.ChunkIntent) (*sessiondomain.Session, error) {
	if strings.TrimSpace(intent.VideoID) == "" || strings.TrimSpace(intent.ViewerID) == "" {
		return nil, s.reject(ctx, "session_not_found", sessiondomain.ErrSessionNotFound)
	}

	session, err := s.sessionSvc.Get(ctx, intent.SessionRef)
	if err != nil {
		if errors.Is(err, sessiondomain.ErrSessionNotFound) {
			return nil, s.reject(ctx, "session_not_found", err)
		}
		return nil, err
	}
	if !session.OwnedBy(intent.ViewerID, intent.VideoID) {
		return nil, s.reject(ctx, "session_not_found", sessiondomain.ErrSessionNotFound)
	}

	policy := s.policy.Get().Proof
	proof := strings.TrimSpace(intent.Proof)
	if proof == "" {
		if policy.Mode == config.ProofModeDelegated && session.DelegateTrusted {
			return session, nil
		}
		return nil, s.reject(ctx, "proof_required", proofdomain.ErrProofRequired)
	}

	skew := s.clock.Now().Sub(intent.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if intent.Timestamp.IsZero() || skew > policy.MaxSkew {
		return nil, s.reject(ctx, "proof_expired", proofdomain.ErrProofExpired)
	}

	message := proofdomain.CanonicalMessage(intent)
	viewerID := strings.TrimSpace(intent.ViewerID)

	var ok bool
	if isEVMAddress(viewerID) {
		ok = verifySecp256k1(viewerID, message, proof)
	} else {
		ok = verifyEd25519(viewerID, message, proof)
	}
	if !ok {
		return nil, s.reject(ctx, "proof_invalid", proofdomain.ErrProofInvalid)
	}
	return session, nil
}

func (s *Service) reject(ctx context.Context, reason string, err error) error {
	s.obsMetrics.RecordProofRejected(ctx, reason)
	s.log.Debug("chunk intent rejected", zap.String("reason", reason))
	return err
}

func isEVMAddress(viewerID string) bool {
	return strings.HasPrefix(viewerID, "0x") && common.IsHexAddress(viewerID)
}

// verifySecp256k1 recovers the signer of keccak256(message) and compares it
// with the viewer address. Both 0/1 and 27/28 recovery ids are accepted.
func verifySecp256k1(address, message, proof string) bool {
	sig, err := hex.DecodeString(strings.TrimPrefix(proof, "0x"))
	if err != nil || len(sig) != 65 {
		return false
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(ethcrypto.Keccak256([]byte(message)), sig)
	if err != nil {
		return false
	}
	return ethcrypto.PubkeyToAddress(*pub) == common.HexToAddress(address)
}

func verifyEd25519(viewerID, message, proof string) bool {
	pub := base58.Decode(viewerID)
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig := base58.Decode(proof)
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(message), sig)
}
