package dedupe

import (
	"net"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// legalSuffixes are entity designators stripped from the end of names.
// Periods are removed before matching, so "L.L.C." arrives as "llc".
var legalSuffixes = map[string]bool{
	"llc": true, "inc": true, "incorporated": true, "corp": true,
	"corporation": true, "co": true, "company": true, "ltd": true,
	"limited": true, "lp": true, "llp": true, "pllc": true, "pc": true,
	"dba": true, "plc": true, "lc": true, "pa": true,
}

// NormalizeDomain reduces a URL or host to a bare lowercase domain:
// scheme, "www.", port, path, query, fragment and trailing dot are removed.
// Values that do not look like a domain normalize to "".
func NormalizeDomain(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if i := strings.LastIndex(d, "@"); i >= 0 {
		d = d[i+1:]
	}
	if host, _, err := net.SplitHostPort(d); err == nil {
		d = host
	}
	d = strings.TrimSuffix(d, ".")
	d = strings.TrimPrefix(d, "www.")

	if !strings.Contains(d, ".") || strings.HasPrefix(d, ".") || strings.ContainsAny(d, " \t,;") {
		return ""
	}
	return d
}

// NormalizeName folds a business name for matching: diacritics stripped,
// lowercased, punctuation removed, trailing legal suffixes dropped and
// whitespace collapsed. "Café Olé, L.L.C." becomes "cafe ole".
func NormalizeName(raw string) string {
	folded, _, err := transform.String(
		transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), raw)
	if err != nil {
		folded = raw
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case r == '\'' || r == '’' || r == '.':
			// dropped so "joe's" and "l.l.c." stay one token
		case r == '&':
			b.WriteString(" and ")
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}

	tokens := strings.Fields(b.String())
	for len(tokens) > 1 && legalSuffixes[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}

// NormalizeRegion canonicalizes a region code for exact comparison.
func NormalizeRegion(raw string) string {
	return strings.ToUpper(strings.Join(strings.Fields(raw), " "))
}

// Tokens returns the distinct tokens of a normalized name.
func Tokens(normalized string) map[string]struct{} {
	fields := strings.Fields(normalized)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// TokenSetJaccard returns |A∩B| / |A∪B| over the tokens of two names after
// normalization. Empty names have similarity 0.
func TokenSetJaccard(a, b string) float64 {
	return jaccard(Tokens(NormalizeName(a)), Tokens(NormalizeName(b)))
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}
