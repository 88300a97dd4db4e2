// Package wasmoci recognizes WebAssembly content stored as OCI image
// layers, following the convention used by wasm-to-oci tooling: the
// image config's platform architecture is "wasm", and each applicable
// layer carries one of a small set of vendor media types.
package wasmoci

import (
	"encoding/json"

	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// Architecture is the OCI platform.architecture value that marks an
// image as carrying WebAssembly modules rather than native code.
const Architecture = "wasm"

// Default media types recognized for Wasm layers, gathered from the
// conventions multiple OCI-for-Wasm tools settled on.
var DefaultMediaTypes = []string{
	"application/vnd.module.wasm.content.layer.v1+wasm",
	"application/wasm",
	"application/vnd.wasm.content.layer.v1+wasm",
}

// Layer is a single content-addressed Wasm module pulled from an image
// manifest, along with the raw bytes already read from containerd's
// content store.
type Layer struct {
	Descriptor specs.Descriptor
	Bytes      []byte
}

// Platform is the OCI image config's platform block; this module reuses
// the image-spec type directly rather than re-declaring it; the
// containerd/platforms package that normalizes and formats these values
// is what client.go wires in to log whatever platform it resolves.
type Platform = specs.Platform

// IsWasmPlatform reports whether p identifies a Wasm image per the
// wasm-to-oci convention.
func IsWasmPlatform(p Platform) bool {
	return p.Architecture == Architecture
}

// IsSupportedMediaType reports whether mediaType is one of the
// supported list, defaulting to DefaultMediaTypes when supported is
// empty.
func IsSupportedMediaType(mediaType string, supported []string) bool {
	if len(supported) == 0 {
		supported = DefaultMediaTypes
	}
	for _, mt := range supported {
		if mt == mediaType {
			return true
		}
	}
	return false
}

// ParsePlatform extracts the Platform block from a raw OCI image config
// JSON document.
func ParsePlatform(imageConfig []byte) (Platform, error) {
	var p Platform
	if err := json.Unmarshal(imageConfig, &p); err != nil {
		return Platform{}, err
	}
	return p, nil
}
