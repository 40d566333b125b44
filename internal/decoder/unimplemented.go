package decoder

import (
	"github.com/bnelair/brainmaze-mef3-server/internal/chunk"
	"github.com/bnelair/brainmaze-mef3-server/internal/corerr"
)

// UnimplementedNativeDecoder is the integration point for the real
// MEF3 decoding library. That library is an opaque external dependency
// (spec.md §1/§6): this repo defines its contract (NativeDecoder) and
// wraps it (New), but does not ship an FFI binding. Production builds
// replace this with a NativeDecoder backed by the actual library.
type UnimplementedNativeDecoder struct{}

func (UnimplementedNativeDecoder) Open(path string) (chunk.Metadata, Handle, error) {
	return chunk.Metadata{}, nil, corerr.New(corerr.EKind.Unsupported(), "no MEF3 decoder library linked into this build")
}

func (UnimplementedNativeDecoder) Read(h Handle, channelNames []string, tStartUs, tEndUs int64) ([][]float64, error) {
	return nil, corerr.New(corerr.EKind.Unsupported(), "no MEF3 decoder library linked into this build")
}

func (UnimplementedNativeDecoder) Close(h Handle) error {
	return corerr.New(corerr.EKind.Unsupported(), "no MEF3 decoder library linked into this build")
}
