// Package chunker splits source files into bounded, overlapping pieces.
//
// Files in a language with a tree-sitter grammar are cut at syntax node
// boundaries first, so functions and types stay whole where they fit. Ranges
// that are still too large, and files without a grammar, fall back to a
// recursive separator split. The resulting ranges are merged into windows of
// at most Size runes, each window repeating up to Overlap runes from the end
// of the previous one.
package chunker

import (
	"context"
	"errors"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	sitter "github.com/smacker/go-tree-sitter"
)

const (
	DefaultSize    = 1000
	DefaultOverlap = 150
)

type Options struct {
	Size    int // maximum runes per piece
	Overlap int // maximum runes repeated between consecutive pieces
}

// Piece is one chunk of a file with its 1-based line span.
type Piece struct {
	Content   string
	StartLine int
	EndLine   int
}

type Chunker struct {
	size    int
	overlap int
}

// New creates a Chunker. A zero Options value selects the defaults.
func New(opts Options) (*Chunker, error) {
	if opts.Size == 0 && opts.Overlap == 0 {
		opts = Options{Size: DefaultSize, Overlap: DefaultOverlap}
	}
	if opts.Size <= 0 {
		return nil, errors.New("chunk size must be positive")
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.Size {
		return nil, errors.New("chunk overlap must be in [0, size)")
	}
	return &Chunker{size: opts.Size, overlap: opts.Overlap}, nil
}

// span is a byte range [start, end) of the source and its rune length.
type span struct {
	start, end int
	n          int
}

// Chunk splits content into pieces in source order. Empty or whitespace-only
// content yields no pieces.
func (c *Chunker) Chunk(path, content string) []Piece {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	lang := Detect(path)
	spans := c.split(lang, path, content)
	return c.merge(content, spans)
}

func (c *Chunker) split(lang Language, path, src string) []span {
	if n := utf8.RuneCountInString(src); n <= c.size {
		return []span{{0, len(src), n}}
	}
	if grammar := grammarFor(lang); grammar != nil {
		if spans, ok := c.syntaxSplit(grammar, lang, path, src); ok {
			return spans
		}
	}
	return c.textSplit(src, 0, len(src), separatorsFor(lang))
}

func (c *Chunker) syntaxSplit(grammar *sitter.Language, lang Language, path, src string) ([]span, bool) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammar)

	tree, err := parser.ParseCtx(context.Background(), nil, []byte(src))
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("syntax parse failed, using separators")
		return nil, false
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, false
	}
	if root.HasError() {
		// tree-sitter is error tolerant; boundaries of the valid parts still help
		log.Debug().Str("path", path).Str("language", string(lang)).Msg("syntax errors in file")
	}
	return c.nodeSplit(root, src, 0, len(src), separatorsFor(lang)), true
}

// segment is a sub-range of a node's range that starts at a child boundary.
type segment struct {
	start int
	owner *sitter.Node
}

// nodeSplit cuts [start, end) at the line starts of n's named children and
// descends into the largest child of any segment that is still too large.
// Anonymous tokens (braces, terminators) never start a segment.
func (c *Chunker) nodeSplit(n *sitter.Node, src string, start, end int, seps []string) []span {
	if k := utf8.RuneCountInString(src[start:end]); k <= c.size {
		return []span{{start, end, k}}
	}

	segs := []segment{{start: start}}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if child == nil {
			continue
		}
		at := lineStart(src, int(child.StartByte()))
		if at < start {
			at = start
		}
		if at >= end {
			break
		}
		last := &segs[len(segs)-1]
		if at > last.start {
			segs = append(segs, segment{start: at, owner: child})
			continue
		}
		if last.owner == nil || extent(child) > extent(last.owner) {
			last.owner = child
		}
	}

	var out []span
	for i, seg := range segs {
		segEnd := end
		if i+1 < len(segs) {
			segEnd = segs[i+1].start
		}
		k := utf8.RuneCountInString(src[seg.start:segEnd])
		switch {
		case k == 0:
		case k <= c.size:
			out = append(out, span{seg.start, segEnd, k})
		case seg.owner != nil && seg.owner.NamedChildCount() > 0:
			out = append(out, c.nodeSplit(seg.owner, src, seg.start, segEnd, seps)...)
		default:
			out = append(out, c.textSplit(src, seg.start, segEnd, seps)...)
		}
	}
	return out
}

// textSplit recursively splits [start, end) on the first separator present,
// keeping each separator at the start of the following range.
func (c *Chunker) textSplit(src string, start, end int, seps []string) []span {
	if k := utf8.RuneCountInString(src[start:end]); k <= c.size {
		return []span{{start, end, k}}
	}

	sep, rest := "", []string(nil)
	for i, s := range seps {
		if s == "" {
			break
		}
		if strings.Contains(src[start:end], s) {
			sep, rest = s, seps[i+1:]
			break
		}
	}
	if sep == "" {
		return runeSpans(src, start, end)
	}

	var out []span
	pieceStart := start
	emit := func(a, b int) {
		if a >= b {
			return
		}
		if k := utf8.RuneCountInString(src[a:b]); k <= c.size {
			out = append(out, span{a, b, k})
			return
		}
		out = append(out, c.textSplit(src, a, b, rest)...)
	}
	for pos := start; pos < end; {
		idx := strings.Index(src[pos:end], sep)
		if idx < 0 {
			break
		}
		cut := pos + idx
		if cut > pieceStart {
			emit(pieceStart, cut)
			pieceStart = cut
		}
		pos = cut + len(sep)
	}
	emit(pieceStart, end)
	return out
}

func runeSpans(src string, start, end int) []span {
	out := make([]span, 0, end-start)
	for i := start; i < end; {
		_, w := utf8.DecodeRuneInString(src[i:end])
		out = append(out, span{i, i + w, 1})
		i += w
	}
	return out
}

// merge packs contiguous spans into windows of at most c.size runes. After a
// window is emitted, trailing spans totalling at most c.overlap runes are
// carried into the next one.
func (c *Chunker) merge(src string, spans []span) []Piece {
	lines := newlineIndex(src)
	var out []Piece
	var window []span
	total := 0

	flush := func() {
		if p, ok := makePiece(src, lines, window[0].start, window[len(window)-1].end); ok {
			out = append(out, p)
		}
	}

	for _, s := range spans {
		if total+s.n > c.size && len(window) > 0 {
			flush()
			for len(window) > 0 && (total > c.overlap || total+s.n > c.size) {
				total -= window[0].n
				window = window[1:]
			}
		}
		window = append(window, s)
		total += s.n
	}
	if len(window) > 0 {
		flush()
	}
	return out
}

func makePiece(src string, lines []int, start, end int) (Piece, bool) {
	text := src[start:end]
	trimmedLeft := strings.TrimLeftFunc(text, unicode.IsSpace)
	start += len(text) - len(trimmedLeft)
	trimmed := strings.TrimRightFunc(trimmedLeft, unicode.IsSpace)
	if trimmed == "" {
		return Piece{}, false
	}
	startLine := lineOf(lines, start)
	return Piece{
		Content:   trimmed,
		StartLine: startLine,
		EndLine:   startLine + strings.Count(trimmed, "\n"),
	}, true
}

// newlineIndex returns the byte offsets of every '\n' in src.
func newlineIndex(src string) []int {
	var idx []int
	for i := 0; i < len(src); i++ {
		if src[i] == '\n' {
			idx = append(idx, i)
		}
	}
	return idx
}

// lineOf returns the 1-based line number of byte offset pos.
func lineOf(newlines []int, pos int) int {
	return sort.SearchInts(newlines, pos) + 1
}

func lineStart(src string, pos int) int {
	if pos > len(src) {
		pos = len(src)
	}
	return strings.LastIndexByte(src[:pos], '\n') + 1
}

func extent(n *sitter.Node) uint32 {
	return n.EndByte() - n.StartByte()
}
