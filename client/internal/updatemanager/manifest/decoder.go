package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/otaclient/client/internal/updatemanager/types"
)

const (
	// DefaultAssetBaseURL prefixes the hash of assets listed by compact manifests
	DefaultAssetBaseURL = "https://d1wp6m56sqw74a.cloudfront.net/~assets/"

	commitTimeLayout = "2006-01-02T15:04:05.000Z"
	assetTokenPrefix = "asset_"
)

var (
	// ErrSignature is returned when a manifest signature is missing or doesn't verify
	ErrSignature = errors.New("manifest signature verification failed")
	// ErrInvalidManifest is returned for documents that match none of the manifest shapes
	ErrInvalidManifest = errors.New("invalid manifest")
)

// Verifier validates the signature of a signed manifest envelope
type Verifier interface {
	Verify(payload []byte, signature string) error
}

// Config controls manifest decoding
type Config struct {
	// Platform selects the binary version entry of compact manifests. Defaults to runtime.GOOS.
	Platform string
	// AssetBaseURL prefixes the asset hashes of compact manifests. Defaults to DefaultAssetBaseURL.
	AssetBaseURL string
	// Verifier checks signed envelopes. Signed envelopes are rejected without one.
	Verifier Verifier
	// RequireSignature rejects manifests that are not wrapped in a signed envelope
	RequireSignature bool
}

// Decoder turns manifest documents into types.Manifest
type Decoder struct {
	platform         string
	assetBaseURL     string
	verifier         Verifier
	requireSignature bool
}

// NewDecoder returns a Decoder for cfg
func NewDecoder(cfg Config) *Decoder {
	d := &Decoder{
		platform:         cfg.Platform,
		assetBaseURL:     cfg.AssetBaseURL,
		verifier:         cfg.Verifier,
		requireSignature: cfg.RequireSignature,
	}
	if d.platform == "" {
		d.platform = runtime.GOOS
	}
	if d.assetBaseURL == "" {
		d.assetBaseURL = DefaultAssetBaseURL
	}
	return d
}

type envelope struct {
	ManifestString *string `json:"manifestString"`
	Signature      string  `json:"signature"`
}

// Decode verifies and parses raw. Signed envelopes are verified before their content is read.
func (d *Decoder) Decode(raw []byte) (*types.Manifest, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	payload := raw
	if env.ManifestString != nil {
		payload = []byte(*env.ManifestString)
		if d.verifier == nil {
			return nil, fmt.Errorf("%w: no verifier configured for signed manifest", ErrSignature)
		}
		if err := d.verifier.Verify(payload, env.Signature); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSignature, err)
		}
	} else if d.requireSignature {
		return nil, fmt.Errorf("%w: manifest is not signed", ErrSignature)
	}

	return d.decodePayload(payload)
}

func (d *Decoder) decodePayload(payload []byte) (*types.Manifest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	switch {
	case fields["releaseId"] != nil:
		return d.decodeCompact(payload)
	case fields["id"] != nil:
		return decodeExplicit(payload)
	default:
		return nil, fmt.Errorf("%w: neither id nor releaseId present", ErrInvalidManifest)
	}
}

type explicitManifest struct {
	ID             string            `json:"id"`
	CommitTime     *int64            `json:"commitTime"`
	BinaryVersions *string           `json:"binaryVersions"`
	Metadata       json.RawMessage   `json:"metadata"`
	BundleURL      string            `json:"bundleUrl"`
	Assets         []json.RawMessage `json:"assets"`
}

type explicitAsset struct {
	URL            string  `json:"url"`
	Type           *string `json:"type"`
	AssetsFilename string  `json:"assetsFilename"`
}

func decodeExplicit(payload []byte) (*types.Manifest, error) {
	var m explicitManifest
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	id, err := canonicalID(m.ID)
	if err != nil {
		return nil, err
	}
	if m.CommitTime == nil {
		return nil, fmt.Errorf("%w: commitTime is missing", ErrInvalidManifest)
	}
	if m.BinaryVersions == nil {
		return nil, fmt.Errorf("%w: binaryVersions is missing", ErrInvalidManifest)
	}
	if m.BundleURL == "" {
		return nil, fmt.Errorf("%w: bundleUrl is missing", ErrInvalidManifest)
	}

	manifest := &types.Manifest{
		ID:             id,
		CommitTime:     time.UnixMilli(*m.CommitTime).UTC(),
		BinaryVersions: *m.BinaryVersions,
		Metadata:       objectOrNil(m.Metadata),
		LaunchURL:      m.BundleURL,
		Raw:            append(json.RawMessage(nil), payload...),
	}

	for i, rawAsset := range m.Assets {
		var a explicitAsset
		if err := json.Unmarshal(rawAsset, &a); err != nil || a.URL == "" || a.Type == nil {
			log.Errorf("could not read asset %d from manifest %s, skipping it", i, id)
			continue
		}
		manifest.Assets = append(manifest.Assets, types.ManifestAsset{
			URL:              a.URL,
			Type:             *a.Type,
			EmbeddedFilename: a.AssetsFilename,
		})
	}

	return manifest, nil
}

type compactManifest struct {
	ReleaseID      string            `json:"releaseId"`
	CommitTime     string            `json:"commitTime"`
	SDKVersion     *string           `json:"sdkVersion"`
	BinaryVersions json.RawMessage   `json:"binaryVersions"`
	BundleURL      string            `json:"bundleUrl"`
	BundledAssets  []json.RawMessage `json:"bundledAssets"`
}

func (d *Decoder) decodeCompact(payload []byte) (*types.Manifest, error) {
	var m compactManifest
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	id, err := canonicalID(m.ReleaseID)
	if err != nil {
		return nil, err
	}
	if m.SDKVersion == nil {
		return nil, fmt.Errorf("%w: sdkVersion is missing", ErrInvalidManifest)
	}
	if m.BundleURL == "" {
		return nil, fmt.Errorf("%w: bundleUrl is missing", ErrInvalidManifest)
	}

	commitTime, err := time.Parse(commitTimeLayout, m.CommitTime)
	if err != nil {
		log.Errorf("could not parse commitTime %q of manifest %s, using the current time: %v", m.CommitTime, id, err)
		commitTime = time.Now()
	}

	binaryVersions := *m.SDKVersion
	var perPlatform map[string]interface{}
	if len(m.BinaryVersions) > 0 && json.Unmarshal(m.BinaryVersions, &perPlatform) == nil {
		if v, ok := perPlatform[d.platform].(string); ok {
			binaryVersions = v
		}
	}

	manifest := &types.Manifest{
		ID:             id,
		CommitTime:     commitTime.UTC(),
		BinaryVersions: binaryVersions,
		Metadata:       append(json.RawMessage(nil), payload...),
		LaunchURL:      m.BundleURL,
		Raw:            append(json.RawMessage(nil), payload...),
	}

	for i, rawToken := range m.BundledAssets {
		var token string
		if err := json.Unmarshal(rawToken, &token); err != nil {
			log.Errorf("could not read asset %d from manifest %s, skipping it", i, id)
			continue
		}
		asset, err := d.assetFromToken(token)
		if err != nil {
			log.Errorf("could not read asset %d from manifest %s, skipping it: %v", i, id, err)
			continue
		}
		manifest.Assets = append(manifest.Assets, asset)
	}

	return manifest, nil
}

// assetFromToken splits asset_<hash>.<ext> into the CDN URL of hash and the type ext
func (d *Decoder) assetFromToken(token string) (types.ManifestAsset, error) {
	if !strings.HasPrefix(token, assetTokenPrefix) {
		return types.ManifestAsset{}, fmt.Errorf("asset token %q has no %s prefix", token, assetTokenPrefix)
	}

	name := strings.TrimPrefix(token, assetTokenPrefix)
	hash, ext := name, ""
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		hash, ext = name[:idx], name[idx+1:]
	}
	if hash == "" {
		return types.ManifestAsset{}, fmt.Errorf("asset token %q has no hash", token)
	}

	return types.ManifestAsset{
		URL:              d.assetBaseURL + hash,
		Type:             ext,
		EmbeddedFilename: token,
	}, nil
}

func canonicalID(raw string) (string, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: invalid id %q: %v", ErrInvalidManifest, raw, err)
	}
	return id.String(), nil
}

func objectOrNil(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	return append(json.RawMessage(nil), trimmed...)
}
