package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// ParamsFile is the snapshot parameter artifact: the metric head and
// projection, CBOR-encoded and zstd-compressed. It sits next to the
// backbone weights inside a snapshot's artifact directory.
const ParamsFile = "params.cbor.zst"

// SnapshotParams bundles everything fitted by one training run besides
// the backbone itself. Head is nil when no fine-tuned head exists for
// this schema version; callers must report that as degraded accuracy.
type SnapshotParams struct {
	SchemaVersion  int
	EmbeddingDim   int
	TraditionalDim int
	Head           *MetricHead
	Projection     *Projection
}

func WriteSnapshotParams(dir string, params *SnapshotParams) error {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	data, err := cbor.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot params: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, ParamsFile))
	if err != nil {
		return fmt.Errorf("failed to create params file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return err
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return fmt.Errorf("failed to write params file: %w", err)
	}
	return zw.Close()
}

func ReadSnapshotParams(dir string) (*SnapshotParams, error) {
	f, err := os.Open(filepath.Join(dir, ParamsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open params file: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to read params file: %w", err)
	}

	var params SnapshotParams
	if err := cbor.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot params: %w", err)
	}

	if params.Projection == nil {
		return nil, fmt.Errorf("snapshot params missing projection")
	}
	return &params, nil
}

// CorpusDigest hashes the enrollment corpus content so a training request
// with force_retrain=false can tell whether anything changed since the
// published snapshot. Hash order is independent of sample ordering.
func CorpusDigest(contentHashes []string) string {
	sorted := make([]string, len(contentHashes))
	copy(sorted, contentHashes)
	sort.Strings(sorted)

	h := blake3.New()
	for _, s := range sorted {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// HashContent returns the BLAKE3 hex digest of raw sample bytes.
func HashContent(data []byte) string {
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}
