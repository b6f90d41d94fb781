// Package autonomous runs the unattended side of the broker: polling a
// feed, parsing job offers and accepts out of free-form posts, and
// driving the hirer or the worker in response.
package autonomous

import (
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/joelklabo/agentpay"
)

// Offer is a parsed job offer: someone will pay Price AP for TaskType.
type Offer struct {
	Price     int64
	TaskType  string
	PosterENS string
}

// AmountUnits renders the offer price in asset base units.
func (o Offer) AmountUnits() string {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(agentpay.AssetDecimals), nil)
	return new(big.Int).Mul(big.NewInt(o.Price), scale).String()
}

// Accept is a parsed acceptance naming the worker.
type Accept struct {
	WorkerENS string
}

var (
	offerRe  = regexp.MustCompile(`(?is)offering\s+(\d+)\s*ap\s+to\s+(.+?)\s*(?:[.!\n]|$)`)
	ensRe    = regexp.MustCompile(`(?i)my\s+ens\s*:?\s*([a-z0-9][a-z0-9._-]*\.eth)`)
	acceptRe = regexp.MustCompile(`(?i)\bi\s*(?:'ll|\s+will)?\s*(?:accept|take|do)\b`)
	fieldRe  = regexp.MustCompile(`(?m)^\s*(price|task|ens)\s*[:=]\s*(\S+)\s*$`)
)

// offerBlock and acceptBlock mark machine-written posts; free-form prose
// is the fallback for posts written by humans or other agents.
const (
	offerBlock  = "[AGENTPAY_OFFER]"
	acceptBlock = "[AGENTPAY_ACCEPT]"
)

// ParseOffer extracts an offer from post text. It understands both the
// structured block this package emits and the free-form phrasing
// "Offering N AP to <task>. AgentPay. My ENS: <name>.eth". Matching is
// case-insensitive; the first match wins.
func ParseOffer(text string) (Offer, bool) {
	if offer, ok := parseOfferBlock(text); ok {
		return offer, true
	}
	if !strings.Contains(strings.ToLower(text), "agentpay") {
		return Offer{}, false
	}
	m := offerRe.FindStringSubmatch(text)
	if m == nil {
		return Offer{}, false
	}
	price, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || price < 0 {
		return Offer{}, false
	}
	ens := ensRe.FindStringSubmatch(text)
	if ens == nil {
		return Offer{}, false
	}
	return Offer{
		Price:     price,
		TaskType:  strings.ToLower(strings.TrimSpace(m[2])),
		PosterENS: strings.ToLower(ens[1]),
	}, true
}

func parseOfferBlock(text string) (Offer, bool) {
	idx := strings.Index(text, offerBlock)
	if idx < 0 {
		return Offer{}, false
	}
	var offer Offer
	var havePrice, haveTask, haveENS bool
	for _, m := range fieldRe.FindAllStringSubmatch(text[idx:], -1) {
		switch strings.ToLower(m[1]) {
		case "price":
			if v, err := strconv.ParseInt(m[2], 10, 64); err == nil && v >= 0 {
				offer.Price, havePrice = v, true
			}
		case "task":
			offer.TaskType, haveTask = strings.ToLower(m[2]), true
		case "ens":
			offer.PosterENS, haveENS = strings.ToLower(m[2]), true
		}
	}
	return offer, havePrice && haveTask && haveENS
}

// FormatOffer renders an offer in the free-form phrasing the parser
// round-trips.
func FormatOffer(o Offer) string {
	return fmt.Sprintf("Offering %d AP to %s. AgentPay. My ENS: %s", o.Price, o.TaskType, o.PosterENS)
}

// ParseAccept extracts an acceptance: the structured block, or an
// "I accept/take/will do" phrase plus the poster's ENS name.
func ParseAccept(text string) (Accept, bool) {
	if idx := strings.Index(text, acceptBlock); idx >= 0 {
		for _, m := range fieldRe.FindAllStringSubmatch(text[idx:], -1) {
			if strings.EqualFold(m[1], "ens") {
				return Accept{WorkerENS: strings.ToLower(m[2])}, true
			}
		}
		return Accept{}, false
	}
	if !acceptRe.MatchString(text) {
		return Accept{}, false
	}
	ens := ensRe.FindStringSubmatch(text)
	if ens == nil {
		return Accept{}, false
	}
	return Accept{WorkerENS: strings.ToLower(ens[1])}, true
}

// FormatAccept renders an acceptance post.
func FormatAccept(workerENS string) string {
	return fmt.Sprintf("I accept. AgentPay. My ENS: %s", workerENS)
}
