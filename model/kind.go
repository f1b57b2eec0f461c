// Package model defines the wire and in-process data shapes for the
// zoo dispatcher: job descriptors pulled off the broker, the work
// results produced by enrichers, and the result/re-queue packages
// published back.
package model

// Kind identifies a class of analyzer an inbound job can request.
type Kind string

const (
	KindFileMetadata Kind = "FILE_METADATA"
	KindHashes       Kind = "HASHES"
	KindPEInfo       Kind = "PEINFO"
	KindVTSample     Kind = "VTSAMPLE"
	KindYara         Kind = "YARA"
	KindAssemblyApp  Kind = "ASSEMBLYAPP"
)

// HasWorkVariant reports whether kind has a concrete work.Task
// implementation that will actually call an enricher. HASHES and
// PEINFO are recognized kinds with no corresponding enricher call:
// they are accepted on the wire but produce no work.
func HasWorkVariant(k Kind) bool {
	switch k {
	case KindFileMetadata, KindYara, KindVTSample, KindAssemblyApp:
		return true
	default:
		return false
	}
}
