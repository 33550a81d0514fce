package adapter

import (
	"context"
	"crypto/rsa"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/taskhive/auth-core/internal/auth"
	"github.com/taskhive/auth-core/internal/domain"
)

// smClient is the narrow consumer-defined interface for Secrets Manager
// operations.
type smClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// ssmClient is the narrow consumer-defined interface for SSM Parameter Store
// operations.
type ssmClient interface {
	GetParameter(ctx context.Context, params *awsssm.GetParameterInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error)
	GetParametersByPath(ctx context.Context, params *awsssm.GetParametersByPathInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParametersByPathOutput, error)
}

// Compile-time check: AWSKeyStore implements auth.KeyStore.
var _ auth.KeyStore = (*AWSKeyStore)(nil)

const (
	// ssmCurrentKeyIDPath stores the active signing key ID.
	ssmCurrentKeyIDPath = "/taskhive/auth/jwt/current-key-id"

	// ssmPublicKeysPathPrefix is the parameter path prefix for public keys.
	// Each key lives at /taskhive/auth/jwt/public-keys/{KEY_ID}.
	ssmPublicKeysPathPrefix = "/taskhive/auth/jwt/public-keys/"

	// smSigningKeyPrefix is the Secrets Manager secret name prefix for
	// private keys.
	smSigningKeyPrefix = "auth/jwt/signing-key/"

	// keyCacheTTL bounds how stale the public key cache may get.
	keyCacheTTL = 5 * time.Minute

	// unknownKidCooldown spaces out refreshes triggered by credentials
	// carrying a key ID we have never seen.
	unknownKidCooldown = 30 * time.Second
)

// AWSKeyStore implements auth.KeyStore over AWS Secrets Manager (private
// signing key) and SSM Parameter Store (public verification keys).
//
// The signing key loads eagerly at construction: the service must not start
// without one. Public keys are cached and refreshed lazily on read, with a
// cooldown on refreshes triggered by unknown key IDs so a forged kid cannot
// hammer SSM.
type AWSKeyStore struct {
	sm    smClient
	ssm   ssmClient
	clock domain.Clock

	mu                    sync.RWMutex
	privateKey            *rsa.PrivateKey
	currentKeyID          string
	publicKeys            map[string]*rsa.PublicKey
	publicKeysLoadedAt    time.Time
	lastUnknownKidRefresh time.Time
}

// NewAWSKeyStore creates an AWSKeyStore and eagerly loads all key material.
// Construction fails if the signing key or any public key cannot be fetched
// and parsed.
func NewAWSKeyStore(ctx context.Context, sm smClient, ssm ssmClient, clock domain.Clock) (*AWSKeyStore, error) {
	keyIDOut, err := ssm.GetParameter(ctx, &awsssm.GetParameterInput{
		Name: aws.String(ssmCurrentKeyIDPath),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch current key ID: %w", err)
	}
	if keyIDOut.Parameter == nil || keyIDOut.Parameter.Value == nil {
		return nil, fmt.Errorf("ssm parameter %s has no value", ssmCurrentKeyIDPath)
	}
	currentKeyID := *keyIDOut.Parameter.Value

	secretName := smSigningKeyPrefix + currentKeyID
	secretOut, err := sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch signing key %q: %w", secretName, err)
	}
	if secretOut.SecretString == nil {
		return nil, fmt.Errorf("signing key %q has no secret string", secretName)
	}

	privateKey, err := auth.ParseRSAPrivateKey(*secretOut.SecretString)
	if err != nil {
		return nil, fmt.Errorf("parse signing key %q: %w", currentKeyID, err)
	}

	publicKeys, err := loadPublicKeysFromSSM(ctx, ssm)
	if err != nil {
		return nil, fmt.Errorf("load public keys: %w", err)
	}

	return &AWSKeyStore{
		sm:                 sm,
		ssm:                ssm,
		clock:              clock,
		privateKey:         privateKey,
		currentKeyID:       currentKeyID,
		publicKeys:         publicKeys,
		publicKeysLoadedAt: clock.Now(),
	}, nil
}

// SigningKey returns the current private signing key and its key ID.
func (ks *AWSKeyStore) SigningKey() (*rsa.PrivateKey, string, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.privateKey == nil {
		return nil, "", fmt.Errorf("no signing key available")
	}
	return ks.privateKey, ks.currentKeyID, nil
}

// PublicKey returns the verification key for kid. A fresh cache answers
// directly; an expired cache or an unknown kid triggers an SSM refresh, the
// latter rate-limited by a cooldown.
//
// Refreshes use context.Background() because the auth.KeyStore interface has
// no context parameter.
func (ks *AWSKeyStore) PublicKey(kid string) (*rsa.PublicKey, error) {
	ks.mu.RLock()
	now := ks.clock.Now()
	cacheExpired := now.Sub(ks.publicKeysLoadedAt) > keyCacheTTL
	if !cacheExpired {
		if pk, ok := ks.publicKeys[kid]; ok {
			ks.mu.RUnlock()
			return pk, nil
		}
	}
	ks.mu.RUnlock()

	if cacheExpired {
		if err := ks.refreshPublicKeys(context.Background(), false); err != nil {
			return nil, fmt.Errorf("refresh public keys: %w", err)
		}
		ks.mu.RLock()
		pk, ok := ks.publicKeys[kid]
		ks.mu.RUnlock()
		if ok {
			return pk, nil
		}
	}

	ks.mu.RLock()
	cooldownActive := now.Sub(ks.lastUnknownKidRefresh) <= unknownKidCooldown
	ks.mu.RUnlock()
	if cooldownActive {
		return nil, fmt.Errorf("unknown key ID %q (refresh cooldown active)", kid)
	}

	if err := ks.refreshPublicKeys(context.Background(), true); err != nil {
		return nil, fmt.Errorf("refresh public keys for kid %q: %w", kid, err)
	}

	ks.mu.RLock()
	pk, ok := ks.publicKeys[kid]
	ks.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown key ID %q", kid)
	}
	return pk, nil
}

// refreshPublicKeys reloads the cache from SSM; unknownKid additionally
// stamps the cooldown.
func (ks *AWSKeyStore) refreshPublicKeys(ctx context.Context, unknownKid bool) error {
	publicKeys, err := loadPublicKeysFromSSM(ctx, ks.ssm)
	if err != nil {
		return err
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.publicKeys = publicKeys
	ks.publicKeysLoadedAt = ks.clock.Now()
	if unknownKid {
		ks.lastUnknownKidRefresh = ks.clock.Now()
	}
	return nil
}

// loadPublicKeysFromSSM fetches every parameter under the public-key path and
// parses each into an *rsa.PublicKey, keyed by the trailing path segment.
func loadPublicKeysFromSSM(ctx context.Context, client ssmClient) (map[string]*rsa.PublicKey, error) {
	out, err := client.GetParametersByPath(ctx, &awsssm.GetParametersByPathInput{
		Path:      aws.String(ssmPublicKeysPathPrefix),
		Recursive: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("GetParametersByPath %q: %w", ssmPublicKeysPathPrefix, err)
	}

	publicKeys := make(map[string]*rsa.PublicKey, len(out.Parameters))
	for _, param := range out.Parameters {
		if param.Name == nil || param.Value == nil {
			continue
		}
		kid := strings.TrimPrefix(*param.Name, ssmPublicKeysPathPrefix)
		pk, err := auth.ParseRSAPublicKey(*param.Value)
		if err != nil {
			return nil, fmt.Errorf("parse public key %q: %w", kid, err)
		}
		publicKeys[kid] = pk
	}
	return publicKeys, nil
}
