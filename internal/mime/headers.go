package mime

import "strings"

// TrustBlock maps a lower-cased header name to its ordered values within one
// relay-hop block.
type TrustBlock map[string][]string

// PartitionHeaders splits an ordered header list into trust blocks. Headers
// are walked top-to-bottom; each Received header is appended to the current
// block and seals it. Block 0 holds what our own ingress added before
// forwarding; block k (k >= 1) holds headers inserted by the k-th upstream
// relay hop, most-recent-hop-first.
func PartitionHeaders(headers []Header) []TrustBlock {
	var blocks []TrustBlock
	cur := TrustBlock{}
	for _, h := range headers {
		name := strings.ToLower(h.Name)
		cur[name] = append(cur[name], h.Value)
		if name == "received" {
			blocks = append(blocks, cur)
			cur = TrustBlock{}
		}
	}
	if len(cur) > 0 {
		blocks = append(blocks, cur)
	}
	return blocks
}

// FindHeader returns the values of name from the first block within
// [0, trustedRelays] that contains the header at all. Scanning stops at that
// block: a value in a deeper, less-trusted block is never consulted, even
// when the first occurrence does not match what the caller hoped for.
func FindHeader(blocks []TrustBlock, name string, trustedRelays int) []string {
	name = strings.ToLower(name)
	for i, b := range blocks {
		if i > trustedRelays {
			break
		}
		if vals, ok := b[name]; ok {
			return vals
		}
	}
	return nil
}
