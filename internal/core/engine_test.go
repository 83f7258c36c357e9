package core

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"writerid-backend/internal/core/features"
	"writerid-backend/internal/core/imaging"
	"writerid-backend/internal/database"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sessionEmbedder counts Release calls so the tests can observe when a
// replaced snapshot frees its backbone session.
type sessionEmbedder struct {
	released int
}

func (s *sessionEmbedder) Embed(bin *imaging.Binary) ([]float32, error) {
	return bin.ToFloat(8, 4), nil
}

func (s *sessionEmbedder) Dim() int { return 32 }

func (s *sessionEmbedder) Release() { s.released++ }

func barsPage(t *testing.T, vertical bool, jitter int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 160, 160))
	for y := 0; y < 160; y++ {
		for x := 0; x < 160; x++ {
			img.Set(x, y, color.White)
		}
	}

	for i := 0; i < 3; i++ {
		offset := 40 + i*30
		for j := 0; j < 30+jitter; j++ {
			for w := 0; w < 3; w++ {
				if vertical {
					img.Set(offset+w, 40+j, color.Black)
				} else {
					img.Set(40+j, offset+w, color.Black)
				}
			}
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func fusedFor(t *testing.T, emb *sessionEmbedder, version int, data []byte) []float32 {
	bin, err := imaging.Preprocess(data, nil, imaging.DefaultOptions())
	require.NoError(t, err)

	embedding, err := emb.Embed(bin)
	require.NoError(t, err)

	deep := NewDescriptorVector(KindDeep, version, embedding)
	traditional := NewDescriptorVector(KindTraditional, version, features.Traditional(bin))
	f, err := Fuse(deep, traditional)
	require.NoError(t, err)
	return f.Values
}

func referenceFor(t *testing.T, proj *Projection, version int, userId uuid.UUID, name string, fused []float32) Reference {
	p, err := proj.Apply(NewDescriptorVector(KindFusedRaw, version, fused))
	require.NoError(t, err)
	Normalize(p.Values)
	return Reference{UserId: userId, Name: name, Values: p.Values}
}

func buildSnapshot(version int, emb *sessionEmbedder, proj *Projection, refs []Reference) *loadedSnapshot {
	snap := &loadedSnapshot{
		Id:            uuid.New(),
		SchemaVersion: version,
		Projection:    proj,
		Embedder:      emb,
		Refs:          refs,
	}
	snap.pins.Store(1)
	return snap
}

func fitTestSnapshot(t *testing.T, version int, emb *sessionEmbedder, users map[uuid.UUID]struct {
	name     string
	vertical bool
}) *loadedSnapshot {
	var fused [][]float32
	type owner struct {
		id   uuid.UUID
		name string
	}
	var owners []owner
	for id, u := range users {
		for jitter := 0; jitter < 2; jitter++ {
			fused = append(fused, fusedFor(t, emb, version, barsPage(t, u.vertical, jitter)))
		}
		owners = append(owners, owner{id: id, name: u.name})
	}
	// a single writer still needs two vectors for the projection fit
	proj, err := FitProjection(fused, 8, version)
	require.NoError(t, err)

	refs := make([]Reference, len(owners))
	for i, o := range owners {
		refs[i] = referenceFor(t, proj, version, o.id, o.name, fused[i*2])
	}
	return buildSnapshot(version, emb, proj, refs)
}

// An in-flight recognition holds the snapshot it resolved, so a publish
// landing mid-request never mixes reference sets, and the replaced
// backbone session is freed only once the request finishes.
func TestInFlightRecognitionUsesPinnedSnapshot(t *testing.T) {
	aliceId, bobId := uuid.New(), uuid.New()

	emb1 := &sessionEmbedder{}
	snap1 := fitTestSnapshot(t, 1, emb1, map[uuid.UUID]struct {
		name     string
		vertical bool
	}{
		aliceId: {name: "alice", vertical: false},
		bobId:   {name: "bob", vertical: true},
	})

	// the replacement drops alice from the library entirely
	emb2 := &sessionEmbedder{}
	snap2 := fitTestSnapshot(t, 2, emb2, map[uuid.UUID]struct {
		name     string
		vertical bool
	}{
		bobId: {name: "bob", vertical: true},
	})

	e := &Engine{preprocessOpts: imaging.DefaultOptions(), batchWorkers: 2}
	e.current.Store(snap1)

	// a request resolves and pins the current snapshot
	pinned := e.current.Load()
	require.True(t, pinned.acquire())

	// a publish replaces it before the request finishes
	if old := e.current.Swap(snap2); old != nil {
		old.release()
	}

	cfg := database.RecognitionConfig{SimilarityThreshold: -1, MeanThreshold: -1, GapThreshold: 0, TopK: 5}

	resp, err := e.recognizeWith(pinned, cfg, barsPage(t, false, 1), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, snap1.Id, resp.SnapshotId)
	assert.Equal(t, 1, resp.SchemaVersion)
	require.NotEmpty(t, resp.Result.Matches)
	assert.Equal(t, aliceId, resp.Result.Matches[0].UserId)

	// the replaced session stays open until the request drops its pin
	assert.Zero(t, emb1.released)
	pinned.release()
	assert.Equal(t, 1, emb1.released)

	// new requests resolve the replacement and its reference set
	cur := e.current.Load()
	require.True(t, cur.acquire())
	resp2, err := e.recognizeWith(cur, cfg, barsPage(t, false, 1), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, snap2.Id, resp2.SnapshotId)
	assert.Equal(t, 2, resp2.SchemaVersion)
	require.NotEmpty(t, resp2.Result.Matches)
	assert.Equal(t, bobId, resp2.Result.Matches[0].UserId)
	cur.release()
	assert.Zero(t, emb2.released)
}

func TestRetiredSnapshotDrainsBeforeRelease(t *testing.T) {
	emb := &sessionEmbedder{}
	snap := buildSnapshot(1, emb, nil, nil)

	require.True(t, snap.acquire())

	snap.release() // engine hold dropped on replacement
	assert.Zero(t, emb.released)

	snap.release() // last in-flight request finishes
	assert.Equal(t, 1, emb.released)

	assert.False(t, snap.acquire())
}
