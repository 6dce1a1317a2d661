package gitobj

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Commit is a parsed commit object.
type Commit struct {
	Tree    Hash
	Parents []Hash
	Author  Signature
	Message string
}

// Signature is a commit author/committer identity with a timestamp.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

func (s Signature) encode() string {
	return fmt.Sprintf("%s <%s> %d %s", s.Name, s.Email, s.When.Unix(), s.When.Format("-0700"))
}

// MarshalCommit serializes a commit in git's canonical text format. The
// same signature is used for author and committer.
func MarshalCommit(c *Commit) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.Tree)
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	sig := c.Author.encode()
	fmt.Fprintf(&buf, "author %s\n", sig)
	fmt.Fprintf(&buf, "committer %s\n", sig)
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	if !strings.HasSuffix(c.Message, "\n") {
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// UnmarshalCommit parses a commit object's content.
func UnmarshalCommit(data []byte) (*Commit, error) {
	header, message, ok := strings.Cut(string(data), "\n\n")
	if !ok {
		return nil, fmt.Errorf("unmarshal commit: missing header/message separator")
	}

	c := &Commit{Message: message}
	for _, line := range strings.Split(header, "\n") {
		key, val, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("unmarshal commit: invalid header line %q", line)
		}
		switch key {
		case "tree":
			h, err := ParseHash(val)
			if err != nil {
				return nil, fmt.Errorf("unmarshal commit: %w", err)
			}
			c.Tree = h
		case "parent":
			h, err := ParseHash(val)
			if err != nil {
				return nil, fmt.Errorf("unmarshal commit: %w", err)
			}
			c.Parents = append(c.Parents, h)
		case "author":
			sig, err := parseSignature(val)
			if err != nil {
				return nil, fmt.Errorf("unmarshal commit: %w", err)
			}
			c.Author = sig
		case "committer":
			// Same identity as author in commits we write.
		}
	}
	if c.Tree.IsZero() {
		return nil, fmt.Errorf("unmarshal commit: missing tree header")
	}
	return c, nil
}

func parseSignature(s string) (Signature, error) {
	lt := strings.IndexByte(s, '<')
	gt := strings.IndexByte(s, '>')
	if lt < 0 || gt < lt {
		return Signature{}, fmt.Errorf("invalid signature %q", s)
	}

	sig := Signature{
		Name:  strings.TrimSpace(s[:lt]),
		Email: s[lt+1 : gt],
	}
	fields := strings.Fields(s[gt+1:])
	if len(fields) >= 1 {
		unix, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return Signature{}, fmt.Errorf("invalid signature timestamp %q", fields[0])
		}
		sig.When = time.Unix(unix, 0).UTC()
	}
	return sig, nil
}
