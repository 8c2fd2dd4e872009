package dist

import (
	"errors"
	"fmt"
)

// ProtocolVersion must match exactly between client and server.
const ProtocolVersion uint32 = 3

// Optional features a request may require.
const (
	FeatureAOT          = "aot"
	FeatureMethodHandle = "methodHandles"
	FeatureCallSites    = "mutableCallSites"
)

// ErrVersionIncompatible is returned when client and server speak
// different protocol versions.
var ErrVersionIncompatible = errors.New("dist: incompatible protocol version")

// CompatibilityPolicy decides whether a server accepts a request. A nil
// AllowedFeatures means "allow all".
type CompatibilityPolicy struct {
	Version         uint32
	AllowedFeatures map[string]bool // nil = allow all
	DeniedFeatures  map[string]bool
}

// NewPermissivePolicy creates a policy for the current protocol version
// that allows every feature.
func NewPermissivePolicy() *CompatibilityPolicy {
	return &CompatibilityPolicy{Version: ProtocolVersion}
}

// NewRestrictedPolicy creates a policy that only allows the listed
// features.
func NewRestrictedPolicy(allowed []string) *CompatibilityPolicy {
	m := make(map[string]bool, len(allowed))
	for _, f := range allowed {
		m[f] = true
	}
	return &CompatibilityPolicy{Version: ProtocolVersion, AllowedFeatures: m}
}

// Check verifies the request's version and that every feature it requires
// is allowed.
func (p *CompatibilityPolicy) Check(req *CompileRequest) error {
	if req.Version != p.Version {
		return fmt.Errorf("%w: client %d, server %d", ErrVersionIncompatible, req.Version, p.Version)
	}
	for _, f := range req.Features {
		if p.DeniedFeatures != nil && p.DeniedFeatures[f] {
			return fmt.Errorf("dist: feature %q is explicitly denied", f)
		}
		if p.AllowedFeatures != nil && !p.AllowedFeatures[f] {
			return fmt.Errorf("dist: feature %q is not allowed", f)
		}
	}
	return nil
}

// Deny adds a feature to the deny list.
func (p *CompatibilityPolicy) Deny(feature string) {
	if p.DeniedFeatures == nil {
		p.DeniedFeatures = make(map[string]bool)
	}
	p.DeniedFeatures[feature] = true
}
