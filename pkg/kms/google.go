package kms

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/relayx/pkg/near"
	"github.com/canopy-network/relayx/pkg/retry"
	"go.uber.org/zap"
	"google.golang.org/api/cloudkms/v1"
	"google.golang.org/api/option"
)

const (
	purposeAsymmetricSign = "ASYMMETRIC_SIGN"
	algorithmEd25519      = "EC_SIGN_ED25519"
	protectionHSM         = "HSM"
	ownerLabel            = "owning_account"
)

type GoogleConfig struct {
	Project  string
	Location string
	Ring     string
}

func (c GoogleConfig) keyRingName() string {
	return fmt.Sprintf("projects/%s/locations/%s/keyRings/%s", c.Project, c.Location, c.Ring)
}

// Google is a Provider backed by Cloud KMS HSM keys.
type Google struct {
	cfg    GoogleConfig
	svc    *cloudkms.Service
	logger *zap.Logger
}

// NewGoogle builds the Cloud KMS client. Credentials follow the usual
// application-default lookup unless opts override them.
func NewGoogle(ctx context.Context, logger *zap.Logger, cfg GoogleConfig, opts ...option.ClientOption) (*Google, error) {
	if cfg.Project == "" || cfg.Location == "" || cfg.Ring == "" {
		return nil, errors.New("kms: project, location and key ring are required")
	}
	svc, err := cloudkms.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("kms: new service: %w", err)
	}
	return &Google{cfg: cfg, svc: svc, logger: logger.With(zap.String("component", "kms"))}, nil
}

// CreateKey creates an HSM-protected ed25519 signing key and waits for its
// first version to become usable. The returned reference is the version name.
func (g *Google) CreateKey(ctx context.Context, spec KeySpec) (near.PublicKey, string, error) {
	ring := g.cfg
	if spec.Project != "" {
		ring.Project = spec.Project
	}
	if spec.Location != "" {
		ring.Location = spec.Location
	}
	if spec.Ring != "" {
		ring.Ring = spec.Ring
	}

	key := &cloudkms.CryptoKey{
		Purpose: purposeAsymmetricSign,
		VersionTemplate: &cloudkms.CryptoKeyVersionTemplate{
			Algorithm:       algorithmEd25519,
			ProtectionLevel: protectionHSM,
		},
		Labels: map[string]string{ownerLabel: LabelValue(spec.OwningAccount)},
	}
	created, err := g.svc.Projects.Locations.KeyRings.CryptoKeys.
		Create(ring.keyRingName(), key).
		CryptoKeyId(spec.ID).
		Context(ctx).
		Do()
	if err != nil {
		return near.PublicKey{}, "", fmt.Errorf("kms: create key %s: %w", spec.ID, err)
	}

	ref := created.Name + "/cryptoKeyVersions/1"
	var pk near.PublicKey
	cfg := retry.Config{MaxRetries: 6, InitialDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2, JitterEnabled: true}
	err = retry.WithBackoff(ctx, cfg, g.logger, "kms_get_public_key", func() error {
		got, gerr := g.publicKey(ctx, ref)
		if gerr != nil {
			return gerr
		}
		pk = got
		return nil
	})
	if err != nil {
		return near.PublicKey{}, "", fmt.Errorf("%w: %s: %v", ErrKeyNotReady, ref, err)
	}

	g.logger.Info("kms key created", zap.String("reference", ref), zap.String("publicKey", pk.String()))
	return pk, ref, nil
}

func (g *Google) publicKey(ctx context.Context, ref string) (near.PublicKey, error) {
	resp, err := g.svc.Projects.Locations.KeyRings.CryptoKeys.CryptoKeyVersions.
		GetPublicKey(ref).
		Context(ctx).
		Do()
	if err != nil {
		return near.PublicKey{}, err
	}
	block, _ := pem.Decode([]byte(resp.Pem))
	if block == nil {
		return near.PublicKey{}, retry.Permanent(errors.New("kms: public key is not PEM"))
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return near.PublicKey{}, retry.Permanent(fmt.Errorf("kms: parse public key: %w", err))
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return near.PublicKey{}, retry.Permanent(fmt.Errorf("kms: unexpected key type %T", parsed))
	}
	return near.PublicKeyFromBytes(edKey)
}

// Sign signs the raw message; ed25519 keys take the data itself, not a digest.
func (g *Google) Sign(ctx context.Context, reference string, message []byte) ([]byte, error) {
	resp, err := g.svc.Projects.Locations.KeyRings.CryptoKeys.CryptoKeyVersions.
		AsymmetricSign(reference, &cloudkms.AsymmetricSignRequest{
			Data: base64.StdEncoding.EncodeToString(message),
		}).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("kms: sign with %s: %w", reference, err)
	}
	sig, err := base64.StdEncoding.DecodeString(resp.Signature)
	if err != nil {
		return nil, fmt.Errorf("kms: decode signature: %w", err)
	}
	return sig, nil
}

// HealthCheck confirms the key ring is reachable with the current credentials.
func (g *Google) HealthCheck(ctx context.Context) error {
	if _, err := g.svc.Projects.Locations.KeyRings.Get(g.cfg.keyRingName()).Context(ctx).Do(); err != nil {
		return fmt.Errorf("kms: key ring %s: %w", g.cfg.Ring, err)
	}
	return nil
}

var _ Provider = (*Google)(nil)
