package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/rs/zerolog"
	"github.com/vreid/relayduel/internal/pkg/storage"
)

const StorageKey = "identity"

var (
	ErrCorruptKey   = errors.New("stored key material is corrupt")
	ErrInvalidEvent = errors.New("invalid event")
)

// Source describes where an identity's key material came from.
type Source string

const (
	SourceStored    Source = "stored"
	SourceGenerated Source = "generated"
	SourceEphemeral Source = "ephemeral"
)

type Identity struct {
	secret *btcec.PrivateKey
	pubkey string
}

func Generate() (*Identity, error) {
	secret, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	return fromPrivateKey(secret), nil
}

func fromPrivateKey(secret *btcec.PrivateKey) *Identity {
	return &Identity{
		secret: secret,
		pubkey: hex.EncodeToString(schnorr.SerializePubKey(secret.PubKey())),
	}
}

// Decode parses an nsec string. Anything that is not a valid secp256k1
// scalar is reported as ErrCorruptKey.
func Decode(nsec string) (*Identity, error) {
	prefix, value, err := nip19.Decode(nsec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptKey, err)
	}

	skHex, ok := value.(string)
	if prefix != "nsec" || !ok {
		return nil, fmt.Errorf("%w: unexpected prefix %q", ErrCorruptKey, prefix)
	}

	raw, err := hex.DecodeString(skHex)
	if err != nil || len(raw) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: bad scalar encoding", ErrCorruptKey)
	}

	var scalar btcec.ModNScalar
	if overflow := scalar.SetByteSlice(raw); overflow || scalar.IsZero() {
		return nil, fmt.Errorf("%w: scalar out of range", ErrCorruptKey)
	}

	secret, _ := btcec.PrivKeyFromBytes(raw)

	return fromPrivateKey(secret), nil
}

func (id *Identity) Encode() (string, error) {
	nsec, err := nip19.EncodePrivateKey(hex.EncodeToString(id.secret.Serialize()))
	if err != nil {
		return "", fmt.Errorf("failed to encode private key: %w", err)
	}

	return nsec, nil
}

// PublicKey is the hex x-only key other participants address us by.
func (id *Identity) PublicKey() string {
	return id.pubkey
}

// Npub returns the bech32 form of the public key for display.
func (id *Identity) Npub() string {
	npub, err := nip19.EncodePublicKey(id.pubkey)
	if err != nil {
		return id.pubkey
	}

	return npub
}

// Sign stamps the author, computes the content-derived id and signs it.
func (id *Identity) Sign(ev *nostr.Event) error {
	ev.PubKey = id.pubkey
	ev.ID = ev.GetID()

	hash, err := hex.DecodeString(ev.ID)
	if err != nil {
		return fmt.Errorf("failed to decode event id: %w", err)
	}

	sig, err := schnorr.Sign(id.secret, hash)
	if err != nil {
		return fmt.Errorf("failed to sign event: %w", err)
	}

	ev.Sig = hex.EncodeToString(sig.Serialize())

	return nil
}

// Verify checks that the id matches the content and the signature matches
// the id and author.
func Verify(ev *nostr.Event) error {
	sum := sha256.Sum256(ev.Serialize())
	if hex.EncodeToString(sum[:]) != ev.ID {
		return fmt.Errorf("%w: id mismatch", ErrInvalidEvent)
	}

	rawPub, err := hex.DecodeString(ev.PubKey)
	if err != nil {
		return fmt.Errorf("%w: pubkey encoding: %w", ErrInvalidEvent, err)
	}

	pub, err := schnorr.ParsePubKey(rawPub)
	if err != nil {
		return fmt.Errorf("%w: pubkey: %w", ErrInvalidEvent, err)
	}

	rawSig, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return fmt.Errorf("%w: signature encoding: %w", ErrInvalidEvent, err)
	}

	sig, err := schnorr.ParseSignature(rawSig)
	if err != nil {
		return fmt.Errorf("%w: signature: %w", ErrInvalidEvent, err)
	}

	if !sig.Verify(sum[:], pub) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidEvent)
	}

	return nil
}

// Load prefers persisted key material, regenerates when it is absent or
// corrupt, and falls back to an in-memory key when the store cannot be used.
func Load(store storage.Storage, logger zerolog.Logger) (*Identity, Source, error) {
	logger = logger.With().Str("component", "identity").Logger()

	if store == nil {
		return ephemeral(logger, storage.ErrStorageUnavailable)
	}

	stored, found, err := store.GetItem(StorageKey)
	if err != nil {
		return ephemeral(logger, err)
	}

	if found {
		id, err := Decode(stored)
		if err == nil {
			return id, SourceStored, nil
		}

		logger.Warn().Err(err).Msg("stored identity unusable, regenerating")
	}

	id, err := Generate()
	if err != nil {
		return nil, "", err
	}

	encoded, err := id.Encode()
	if err != nil {
		return nil, "", err
	}

	err = store.SetItem(StorageKey, encoded)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to persist identity, key is ephemeral")

		return id, SourceEphemeral, nil
	}

	return id, SourceGenerated, nil
}

func ephemeral(logger zerolog.Logger, cause error) (*Identity, Source, error) {
	logger.Warn().Err(cause).Msg("storage unavailable, using ephemeral identity")

	id, err := Generate()
	if err != nil {
		return nil, "", err
	}

	return id, SourceEphemeral, nil
}
