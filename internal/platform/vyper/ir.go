package vyper

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dontdude/vyperd/internal/domain"
)

// ParseIR reads vyper's bracketed IR text, e.g. [seq, [mstore, 0, 1]], into a tree.
// Comments (/* ... */) and quoted strings are kept as atoms.
// Text that does not parse is returned as a single leaf holding it verbatim.
func ParseIR(text string) *domain.IRNode {
	text = strings.TrimSpace(text)
	p := &irParser{src: text}
	node, err := p.parseNode()
	if err == nil {
		p.skipSpace()
		if p.pos != len(p.src) {
			err = fmt.Errorf("trailing input at %d", p.pos)
		}
	}
	if err != nil {
		return &domain.IRNode{Op: text}
	}
	return node
}

type irParser struct {
	src string
	pos int
}

func (p *irParser) skipSpace() {
	for p.pos < len(p.src) && strings.ContainsRune(" \t\r\n", rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *irParser) parseNode() (*domain.IRNode, error) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return nil, fmt.Errorf("unexpected end of input")
	}
	if p.src[p.pos] != '[' {
		atom, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		return &domain.IRNode{Op: atom}, nil
	}

	p.pos++ // [
	var items []*domain.IRNode
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			return nil, fmt.Errorf("unterminated list")
		}
		if p.src[p.pos] == ']' {
			p.pos++
			break
		}
		if len(items) > 0 {
			if p.src[p.pos] != ',' {
				return nil, fmt.Errorf("expected ',' at %d", p.pos)
			}
			p.pos++
		} else if p.src[p.pos] == '[' {
			return nil, fmt.Errorf("list head must be an atom at %d", p.pos)
		}
		item, err := p.parseNode()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("empty list at %d", p.pos)
	}
	return &domain.IRNode{Op: items[0].Op, Args: items[1:]}, nil
}

func (p *irParser) parseAtom() (string, error) {
	start := p.pos
	for p.pos < len(p.src) {
		switch c := p.src[p.pos]; {
		case c == '"':
			end := strings.IndexByte(p.src[p.pos+1:], '"')
			if end < 0 {
				return "", fmt.Errorf("unterminated string at %d", p.pos)
			}
			p.pos += end + 2
		case strings.HasPrefix(p.src[p.pos:], "/*"):
			end := strings.Index(p.src[p.pos:], "*/")
			if end < 0 {
				return "", fmt.Errorf("unterminated comment at %d", p.pos)
			}
			p.pos += end + 2
		case c == ',' || c == ']' || c == '[':
			return p.atom(start)
		default:
			p.pos++
		}
	}
	return p.atom(start)
}

func (p *irParser) atom(start int) (string, error) {
	atom := strings.TrimSpace(p.src[start:p.pos])
	if atom == "" {
		return "", fmt.Errorf("empty atom at %d", start)
	}
	return atom, nil
}

// decodeIR accepts the ir field either as text or as nested JSON lists.
func decodeIR(raw json.RawMessage) (*domain.IRNode, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return ParseIR(text), nil
	}

	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode ir: %w", err)
	}
	return irFromJSON(tree), nil
}

func irFromJSON(v any) *domain.IRNode {
	switch val := v.(type) {
	case []any:
		if len(val) == 0 {
			return &domain.IRNode{Op: "[]"}
		}
		node := &domain.IRNode{Op: irFromJSON(val[0]).String()}
		for _, arg := range val[1:] {
			node.Args = append(node.Args, irFromJSON(arg))
		}
		return node
	case string:
		return &domain.IRNode{Op: val}
	case json.Number:
		return &domain.IRNode{Op: val.String()}
	case bool:
		return &domain.IRNode{Op: strconv.FormatBool(val)}
	case nil:
		return &domain.IRNode{Op: "null"}
	default:
		data, _ := json.Marshal(val)
		return &domain.IRNode{Op: string(data)}
	}
}
