package memory

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/pipeline-cache/assetcache"
)

// persistedBlock and persistedEntry mirror block/versionEntry in a form
// gob can encode without exposing the unexported allocator types directly.
type persistedBlock struct {
	Page   int
	Offset int64
	Length int64
}

type persistedEntry struct {
	Block persistedBlock
	Size  int64
}

type persistedSnapshot struct {
	PageSize         int64
	MinFreeBlockSize int64
	Pages            [][]byte
	Free             map[int][]persistedBlock
	Index            map[assetcache.FileKey]persistedEntry
}

// snapshot captures the engine's full state, including page contents, so a
// restart restores both the allocator's bookkeeping and the bytes it
// describes rather than leaving the index pointing at stale data.
func (e *Engine) snapshot() persistedSnapshot {
	free := make(map[int][]persistedBlock, len(e.alloc.free))
	for page, blocks := range e.alloc.free {
		pb := make([]persistedBlock, len(blocks))
		for i, b := range blocks {
			pb[i] = persistedBlock{Page: b.page, Offset: b.offset, Length: b.length}
		}
		free[page] = pb
	}

	index := make(map[assetcache.FileKey]persistedEntry, len(e.index))
	for key, ent := range e.index {
		index[key] = persistedEntry{
			Block: persistedBlock{Page: ent.block.page, Offset: ent.block.offset, Length: ent.block.length},
			Size:  ent.size,
		}
	}

	return persistedSnapshot{
		PageSize:         e.alloc.pageSize,
		MinFreeBlockSize: e.alloc.minFreeBlockSize,
		Pages:            e.alloc.pages,
		Free:             free,
		Index:            index,
	}
}

func (e *Engine) restore(s persistedSnapshot) {
	e.alloc.pageSize = s.PageSize
	e.alloc.minFreeBlockSize = s.MinFreeBlockSize
	e.alloc.pages = s.Pages
	e.alloc.free = make(map[int][]block, len(s.Free))
	for page, blocks := range s.Free {
		bs := make([]block, len(blocks))
		for i, pb := range blocks {
			bs[i] = block{page: pb.Page, offset: pb.Offset, length: pb.Length}
		}
		e.alloc.free[page] = bs
	}

	e.index = make(map[assetcache.FileKey]*versionEntry, len(s.Index))
	for key, pe := range s.Index {
		e.index[key] = &versionEntry{
			block: block{page: pe.Block.Page, offset: pe.Block.Offset, length: pe.Block.Length},
			size:  pe.Size,
		}
	}
}

func encodeSnapshot(s persistedSnapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeSnapshot(blob []byte) (persistedSnapshot, error) {
	var s persistedSnapshot
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&s); err != nil {
		return persistedSnapshot{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	return s, nil
}
