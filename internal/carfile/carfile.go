// Package carfile decodes AT Protocol repository snapshots: a CAR archive
// holding a signed commit and a Merkle search tree of records.
package carfile

import (
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
)

// Entry is one record yielded by the walk: its key split into collection and
// rkey, plus the raw dag-cbor record bytes.
type Entry struct {
	Collection string
	RKey       string
	Data       []byte
	CID        cid.Cid
}

// Repo is a decoded repository. It yields entries lazily through Next; the
// sequence is finite and not restartable.
type Repo struct {
	// DID is the repository owner per the commit block.
	DID string

	// Rev is the commit revision string.
	Rev string

	blocks map[string][]byte
	refs   []entryRef
	pos    int
	err    error
}

type entryRef struct {
	key string
	cid cid.Cid
}

type commitBlock struct {
	DID     string          `cbor:"did"`
	Version int64           `cbor:"version"`
	Data    cbor.RawMessage `cbor:"data"`
	Rev     string          `cbor:"rev"`
}

type mstNode struct {
	Left    cbor.RawMessage `cbor:"l"`
	Entries []mstEntry      `cbor:"e"`
}

type mstEntry struct {
	PrefixLen int             `cbor:"p"`
	KeySuffix []byte          `cbor:"k"`
	Value     cbor.RawMessage `cbor:"v"`
	Tree      cbor.RawMessage `cbor:"t"`
}

// ReadRepo parses the CAR framing, reads the root commit, and walks the MST.
// Structural malformation fails here; per-record decode problems surface
// later through the iterator's Err.
func ReadRepo(data []byte) (*Repo, error) {
	blocks, roots, err := parseCAR(data)
	if err != nil {
		return nil, err
	}
	if len(roots) != 1 {
		return nil, fmt.Errorf("car archive has %d roots, want exactly 1", len(roots))
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("car archive has no blocks")
	}

	rootData, ok := blocks[roots[0].KeyString()]
	if !ok {
		return nil, fmt.Errorf("root block %s missing from archive", roots[0])
	}
	var commit commitBlock
	if err := cbor.Unmarshal(rootData, &commit); err != nil {
		return nil, fmt.Errorf("decode commit block: %w", err)
	}
	if commit.Rev == "" {
		return nil, fmt.Errorf("commit block has no rev")
	}

	dataCID, err := decodeLink(commit.Data)
	if err != nil {
		return nil, fmt.Errorf("commit data link: %w", err)
	}

	r := &Repo{DID: commit.DID, Rev: commit.Rev, blocks: blocks}
	if err := r.walk(dataCID); err != nil {
		return nil, err
	}
	return r, nil
}

// Next yields the next record entry. It returns false at the end of the
// sequence or on error; check Err afterwards.
func (r *Repo) Next() (Entry, bool) {
	if r.err != nil || r.pos >= len(r.refs) {
		return Entry{}, false
	}
	ref := r.refs[r.pos]
	r.pos++

	blk, ok := r.blocks[ref.cid.KeyString()]
	if !ok {
		r.err = fmt.Errorf("record block %s for key %q missing from archive", ref.cid, ref.key)
		return Entry{}, false
	}
	if err := cbor.Wellformed(blk); err != nil {
		r.err = fmt.Errorf("record %q: malformed cbor: %w", ref.key, err)
		return Entry{}, false
	}

	collection, rkey, found := strings.Cut(ref.key, "/")
	if !found || collection == "" || rkey == "" {
		r.err = fmt.Errorf("malformed record key %q", ref.key)
		return Entry{}, false
	}
	return Entry{Collection: collection, RKey: rkey, Data: blk, CID: ref.cid}, true
}

// Err returns the error that terminated the sequence, if any.
func (r *Repo) Err() error {
	return r.err
}

// walk traverses the MST in key order, collecting record references.
func (r *Repo) walk(c cid.Cid) error {
	blk, ok := r.blocks[c.KeyString()]
	if !ok {
		return fmt.Errorf("mst node %s missing from archive", c)
	}
	var node mstNode
	if err := cbor.Unmarshal(blk, &node); err != nil {
		return fmt.Errorf("decode mst node %s: %w", c, err)
	}

	if !isNull(node.Left) {
		left, err := decodeLink(node.Left)
		if err != nil {
			return fmt.Errorf("mst node %s left link: %w", c, err)
		}
		if err := r.walk(left); err != nil {
			return err
		}
	}

	lastKey := ""
	for i, e := range node.Entries {
		if e.PrefixLen < 0 || e.PrefixLen > len(lastKey) {
			return fmt.Errorf("mst node %s entry %d: prefix length %d exceeds previous key", c, i, e.PrefixLen)
		}
		key := lastKey[:e.PrefixLen] + string(e.KeySuffix)
		lastKey = key

		if !isNull(e.Value) {
			value, err := decodeLink(e.Value)
			if err != nil {
				return fmt.Errorf("mst node %s entry %q value link: %w", c, key, err)
			}
			r.refs = append(r.refs, entryRef{key: key, cid: value})
		}
		if !isNull(e.Tree) {
			subtree, err := decodeLink(e.Tree)
			if err != nil {
				return fmt.Errorf("mst node %s entry %q tree link: %w", c, key, err)
			}
			if err := r.walk(subtree); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseCAR splits a CARv1 archive into its roots and a CID-keyed block map.
func parseCAR(data []byte) (map[string][]byte, []cid.Cid, error) {
	header, off, err := readFrame(data, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("car header: %w", err)
	}

	var hdr struct {
		Version uint64            `cbor:"version"`
		Roots   []cbor.RawMessage `cbor:"roots"`
	}
	if err := cbor.Unmarshal(header, &hdr); err != nil {
		return nil, nil, fmt.Errorf("decode car header: %w", err)
	}
	if hdr.Version != 1 {
		return nil, nil, fmt.Errorf("unsupported car version %d", hdr.Version)
	}
	roots := make([]cid.Cid, 0, len(hdr.Roots))
	for _, raw := range hdr.Roots {
		c, err := decodeLink(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("car root link: %w", err)
		}
		roots = append(roots, c)
	}

	blocks := make(map[string][]byte)
	for off < len(data) {
		frame, next, err := readFrame(data, off)
		if err != nil {
			return nil, nil, fmt.Errorf("car block at offset %d: %w", off, err)
		}
		off = next

		n, c, err := cid.CidFromBytes(frame)
		if err != nil {
			return nil, nil, fmt.Errorf("car block cid: %w", err)
		}
		blocks[c.KeyString()] = frame[n:]
	}
	return blocks, roots, nil
}

// readFrame reads one varint-length-prefixed frame starting at off.
func readFrame(data []byte, off int) ([]byte, int, error) {
	length, n, err := varint.FromUvarint(data[off:])
	if err != nil {
		return nil, 0, fmt.Errorf("frame length: %w", err)
	}
	start := off + n
	end := start + int(length)
	if length == 0 || end > len(data) {
		return nil, 0, fmt.Errorf("frame of %d bytes exceeds archive", length)
	}
	return data[start:end], end, nil
}

// decodeLink extracts the CID from a dag-cbor link (tag 42 around a byte
// string with a multibase identity prefix).
func decodeLink(raw cbor.RawMessage) (cid.Cid, error) {
	if isNull(raw) {
		return cid.Undef, fmt.Errorf("link is null")
	}
	var tag cbor.RawTag
	if err := cbor.Unmarshal(raw, &tag); err != nil {
		return cid.Undef, fmt.Errorf("decode link tag: %w", err)
	}
	if tag.Number != 42 {
		return cid.Undef, fmt.Errorf("unexpected tag %d, want 42", tag.Number)
	}
	var buf []byte
	if err := cbor.Unmarshal(tag.Content, &buf); err != nil {
		return cid.Undef, fmt.Errorf("decode link bytes: %w", err)
	}
	if len(buf) < 2 || buf[0] != 0 {
		return cid.Undef, fmt.Errorf("link bytes missing identity prefix")
	}
	c, err := cid.Cast(buf[1:])
	if err != nil {
		return cid.Undef, fmt.Errorf("cast link cid: %w", err)
	}
	return c, nil
}

func isNull(raw cbor.RawMessage) bool {
	return len(raw) == 0 || (len(raw) == 1 && (raw[0] == 0xf6 || raw[0] == 0xf7))
}
