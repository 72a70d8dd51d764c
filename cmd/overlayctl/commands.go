// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/jessevdk/go-flags"
	"github.com/utxoverlay/overlayd/internal/prompt"
	"github.com/utxoverlay/overlayd/linkage"
	"github.com/utxoverlay/overlayd/lookup"
	"github.com/utxoverlay/overlayd/protocols"
	"github.com/utxoverlay/overlayd/script"
	"github.com/utxoverlay/overlayd/topic"
)

// command is implemented by every overlayctl subcommand.
type command interface {
	run(ctx context.Context, cfg *config) error
}

// addCommands registers the subcommands on parser and returns them by
// name.
func addCommands(parser *flags.Parser) map[string]command {
	cmds := []struct {
		name, short, long string
		cmd               command
	}{{
		"admit", "Evaluate a BEEF transaction against a topic",
		"Evaluates the subject transaction of a BEEF file against the " +
			"topic's admission rules and prints the result.  The " +
			"index is not touched.",
		&admitCommand{},
	}, {
		"submit", "Admit BEEF transactions and index them",
		"Evaluates each BEEF file in order, stores the admitted " +
			"outputs and marks the retained coins spent.",
		&submitCommand{},
	}, {
		"lookup", "Answer a lookup question",
		"Runs a JSON query against a lookup service and prints the " +
			"matching outpoints or records.",
		&lookupCommand{},
	}, {
		"spend", "Record the spend of an indexed output",
		"Applies a spend of an output admitted to a topic according " +
			"to the index's spend mode.",
		&spendCommand{},
	}, {
		"evict", "Remove an output from a topic's index",
		"Deletes the record of an output admitted to a topic.",
		&evictCommand{},
	}, {
		"pushdrop", "Build a signed PushDrop locking script",
		"Builds a PushDrop locking script holding the given fields, " +
			"signed by and locked to the key derived from the " +
			"signing key for the protocol and key id.",
		&pushDropCommand{KeyID: "1", SecurityLevel: 1},
	}, {
		"protocols", "List the known protocols",
		"Prints every protocol with its topic and lookup service.",
		&protocolsCommand{},
	}}

	out := make(map[string]command, len(cmds))
	for _, c := range cmds {
		_, err := parser.AddCommand(c.name, c.short, c.long, c.cmd)
		if err != nil {
			// Only reachable with malformed struct tags.
			panic(err)
		}
		out[c.name] = c.cmd
	}
	return out
}

// readBundle reads a BEEF file holding either raw bytes or hex.  "-" reads
// standard input.
func readBundle(path string) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && len(trimmed)%2 == 0 && isHex(trimmed) {
		return hex.DecodeString(string(trimmed))
	}
	return raw, nil
}

func isHex(b []byte) bool {
	for _, c := range b {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// rejection is the printed form of an output that was not admitted.
type rejection struct {
	Index  uint32 `json:"index"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// admission is the printed form of a topic.Result.
type admission struct {
	Txid string `json:"txid"`
	*topic.Result
	Rejected    []rejection `json:"rejected,omitempty"`
	LedgerError string      `json:"ledgerError,omitempty"`
}

func newAdmission(res *topic.Result) *admission {
	a := &admission{Txid: res.Txid.String(), Result: res}
	for _, v := range res.Rejections() {
		r := rejection{Index: v.Index, Reason: v.Reason.String()}
		if v.Err != nil {
			r.Detail = v.Err.Error()
		}
		a.Rejected = append(a.Rejected, r)
	}
	if res.LedgerErr != nil {
		a.LedgerError = res.LedgerErr.Error()
	}
	return a
}

type admitCommand struct {
	Prev []uint32 `long:"prev" description:"Index of an input spending a previously admitted output; may be repeated"`
	Args struct {
		Topic string `positional-arg-name:"topic"`
		File  string `positional-arg-name:"beef-file"`
	} `positional-args:"yes" required:"yes"`
}

func (c *admitCommand) run(ctx context.Context, cfg *config) error {
	raw, err := readBundle(c.Args.File)
	if err != nil {
		return err
	}

	node, closeNode, err := newNode(ctx, cfg, lookup.NewMemoryBackend())
	if err != nil {
		return err
	}
	defer closeNode()

	res, err := node.Admit(c.Args.Topic, raw, c.Prev)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, newAdmission(res))
}

type submitCommand struct {
	Prev     []uint32 `long:"prev" description:"Index of an input spending a previously admitted output; may be repeated"`
	OffChain string   `long:"offchain" description:"File holding the off-chain values submitted with every transaction"`
	Args     struct {
		Topic string   `positional-arg-name:"topic"`
		Files []string `positional-arg-name:"beef-file"`
	} `positional-args:"yes" required:"yes"`
}

func (c *submitCommand) run(ctx context.Context, cfg *config) error {
	var offChain []byte
	if c.OffChain != "" {
		var err error
		offChain, err = os.ReadFile(c.OffChain)
		if err != nil {
			return err
		}
	}

	node, closeNode, err := newNode(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer closeNode()

	for _, file := range c.Args.Files {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := readBundle(file)
		if err != nil {
			return err
		}
		res, err := node.Submit(ctx, c.Args.Topic, raw, c.Prev,
			offChain)
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		log.Infof("Submitted %v to %s: %d admitted, %d retained",
			res.Txid, c.Args.Topic, len(res.OutputsToAdmit),
			len(res.CoinsToRetain))
		if err := printJSON(os.Stdout, newAdmission(res)); err != nil {
			return err
		}
	}
	return nil
}

// recordView is the printed form of a lookup.Record.
type recordView struct {
	Outpoint     string              `json:"outpoint"`
	CreatedAt    time.Time           `json:"createdAt"`
	SpendingTxid string              `json:"spendingTxid,omitempty"`
	Fields       map[string][]string `json:"fields"`
	Payload      json.RawMessage     `json:"payload,omitempty"`
}

func newRecordView(r *lookup.Record) *recordView {
	v := &recordView{
		Outpoint:  r.Ref.String(),
		CreatedAt: r.CreatedAt,
		Fields:    r.Fields,
	}
	r.SpendingTxid.WhenSome(func(h chainhash.Hash) {
		v.SpendingTxid = h.String()
	})
	switch {
	case len(r.Payload) == 0:
	case json.Valid(r.Payload):
		v.Payload = r.Payload
	default:
		v.Payload, _ = json.Marshal(hex.EncodeToString(r.Payload))
	}
	return v
}

type lookupCommand struct {
	Records bool `short:"r" long:"records" description:"Print the stored records instead of outpoints"`
	Args    struct {
		Service string `positional-arg-name:"service"`
		Query   string `positional-arg-name:"query-json"`
	} `positional-args:"yes" required:"yes"`
}

func (c *lookupCommand) run(ctx context.Context, cfg *config) error {
	node, closeNode, err := newNode(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer closeNode()

	refs, err := node.Lookup(ctx, &lookup.Question{
		Service: c.Args.Service,
		Query:   json.RawMessage(c.Args.Query),
	})
	if err != nil {
		return err
	}
	if !c.Records {
		return printJSON(os.Stdout, refs)
	}

	views := make([]*recordView, 0, len(refs))
	for _, ref := range refs {
		r, err := node.Record(ctx, c.Args.Service, ref)
		if err != nil {
			return err
		}
		views = append(views, newRecordView(r))
	}
	return printJSON(os.Stdout, views)
}

type spendCommand struct {
	Spender string `long:"spender" required:"true" description:"Txid of the spending transaction"`
	Args    struct {
		Topic    string `positional-arg-name:"topic"`
		Outpoint string `positional-arg-name:"txid.index"`
	} `positional-args:"yes" required:"yes"`
}

func (c *spendCommand) run(ctx context.Context, cfg *config) error {
	ref, err := lookup.ParseOutputRef(c.Args.Outpoint)
	if err != nil {
		return err
	}
	spender, err := chainhash.NewHashFromStr(c.Spender)
	if err != nil {
		return fmt.Errorf("invalid spender: %w", err)
	}

	node, closeNode, err := newNode(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer closeNode()

	return node.OutputSpent(ctx, c.Args.Topic, ref, *spender)
}

type evictCommand struct {
	Args struct {
		Topic    string `positional-arg-name:"topic"`
		Outpoint string `positional-arg-name:"txid.index"`
	} `positional-args:"yes" required:"yes"`
}

func (c *evictCommand) run(ctx context.Context, cfg *config) error {
	ref, err := lookup.ParseOutputRef(c.Args.Outpoint)
	if err != nil {
		return err
	}

	node, closeNode, err := newNode(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer closeNode()

	return node.OutputEvicted(ctx, c.Args.Topic, ref)
}

type pushDropCommand struct {
	SecurityLevel uint8  `long:"securitylevel" description:"Security level of the protocol namespace"`
	ProtocolName  string `long:"protocolname" required:"true" description:"Name of the protocol namespace, for example \"metanet apps\""`
	KeyID         string `long:"keyid" description:"Key id within the protocol namespace"`
	LockAfter     bool   `long:"lockafter" description:"Place the key and OP_CHECKSIG after the fields"`
	HexFields     bool   `long:"hexfields" description:"Fields are hex encoded instead of UTF-8 text"`
	NoSignature   bool   `long:"nosignature" description:"Do not append a signature field"`
	Args          struct {
		Fields []string `positional-arg-name:"field"`
	} `positional-args:"yes" required:"yes"`
}

func (c *pushDropCommand) run(_ context.Context, _ *config) error {
	fields := make([][]byte, len(c.Args.Fields))
	for i, f := range c.Args.Fields {
		if !c.HexFields {
			fields[i] = []byte(f)
			continue
		}
		b, err := hex.DecodeString(f)
		if err != nil {
			return fmt.Errorf("field %d: %w", i, err)
		}
		fields[i] = b
	}

	wif, err := prompt.PrivateKey(bufio.NewReader(os.Stdin))
	if err != nil {
		return err
	}
	signer := linkage.NewSigner(wif.PrivKey)
	defer signer.Zero()
	wif.PrivKey.Zero()

	position := script.LockBefore
	if c.LockAfter {
		position = script.LockAfter
	}
	p := linkage.Protocol{
		SecurityLevel: c.SecurityLevel,
		Name:          c.ProtocolName,
	}
	pkScript, err := buildPushDrop(signer, p, c.KeyID, fields, position,
		!c.NoSignature)
	if err != nil {
		return err
	}

	fmt.Printf("identityKey %x\n",
		signer.IdentityKey().SerializeCompressed())
	fmt.Println(hex.EncodeToString(pkScript))
	return nil
}

// buildPushDrop locks fields to the key signer derives for the namespace,
// appending signer's signature over the fields when sign is set.
func buildPushDrop(signer *linkage.Signer, p linkage.Protocol, keyID string,
	fields [][]byte, position script.LockPosition, sign bool) ([]byte,
	error) {

	child, err := signer.DeriveKey(p, keyID)
	if err != nil {
		return nil, err
	}
	lock := child.PubKey()
	child.Zero()

	if sign {
		sig, err := signer.Sign(bytes.Join(fields, nil), p, keyID)
		if err != nil {
			return nil, err
		}
		fields = append(fields[:len(fields):len(fields)], sig)
	}
	return script.Lock(fields, lock, position)
}

type protocolsCommand struct{}

func (c *protocolsCommand) run(_ context.Context, _ *config) error {
	for _, p := range protocols.All() {
		fmt.Printf("%-17s %-22s %-22s %s\n", p.Name, p.Topic.Topic,
			p.Index.Service, p.Index.SpendMode)
	}
	return nil
}
