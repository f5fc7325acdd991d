package transport

import (
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebfe/scard"
)

// pcscChannel drives a PC/SC transponder reader (ACR122 and similar).
// Commands are hex APDUs; responses are the reply bytes, status word
// included, as uppercase hex.
type pcscChannel struct {
	mu   sync.Mutex
	ctx  *scard.Context
	card *scard.Card
	name string
}

// OpenPCSC connects to the card on the reader selected by sel, which is
// either a reader index or a substring of the reader name. An empty sel
// picks the first reader.
func OpenPCSC(sel string, _ int) (Channel, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("pcsc: establish context: %w", err)
	}
	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		ctx.Release()
		return nil, fmt.Errorf("pcsc: no readers found: %v", err)
	}
	reader := pickReader(readers, sel)

	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("pcsc: connect %s: %w", reader, err)
	}
	log.Printf("[pcsc] using reader %s", reader)
	return &pcscChannel{ctx: ctx, card: card, name: reader}, nil
}

func pickReader(readers []string, sel string) string {
	if sel == "" {
		return readers[0]
	}
	if v, err := strconv.Atoi(sel); err == nil {
		if v >= 0 && v < len(readers) {
			return readers[v]
		}
		log.Printf("[pcsc] reader index out of range (0..%d), using 0", len(readers)-1)
		return readers[0]
	}
	for _, r := range readers {
		if strings.Contains(r, sel) {
			return r
		}
	}
	log.Printf("[pcsc] reader name not found (%s), using 0", sel)
	return readers[0]
}

// Exchange transmits one APDU. PC/SC has no per-call timeout, so the
// context is canceled at the deadline to abort a Transmit stuck on the card.
func (p *pcscChannel) Exchange(command string, deadline time.Time) (string, error) {
	apdu, err := hex.DecodeString(strings.ReplaceAll(command, " ", ""))
	if err != nil {
		return "", fmt.Errorf("pcsc: bad APDU %q: %w", command, err)
	}
	p.mu.Lock()
	card, ctx := p.card, p.ctx
	p.mu.Unlock()
	if card == nil {
		return "", ErrClosed
	}

	var expired atomic.Bool
	cancel := time.AfterFunc(time.Until(deadline), func() {
		expired.Store(true)
		ctx.Cancel()
	})
	resp, err := card.Transmit(apdu)
	cancel.Stop()
	if expired.Load() {
		return "", fmt.Errorf("pcsc: %s: %w", command, ErrTimeout)
	}
	if err != nil {
		return "", fmt.Errorf("pcsc: transmit: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(resp)), nil
}

func (p *pcscChannel) Close() error {
	p.mu.Lock()
	card, ctx := p.card, p.ctx
	p.card, p.ctx = nil, nil
	p.mu.Unlock()
	if card == nil {
		return nil
	}
	// Cancel aborts a Transmit blocked on the card.
	ctx.Cancel()
	err := card.Disconnect(scard.LeaveCard)
	ctx.Release()
	if err != nil {
		return fmt.Errorf("pcsc: disconnect %s: %w", p.name, err)
	}
	return nil
}
