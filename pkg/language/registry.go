// Package language owns the mapping between client-facing ISO-639-1 style
// short tags (e.g. "en") and the Flores-200 model tags the translation
// engine consumes (e.g. "eng_Latn").
//
// The registry is built once from a static table and never mutated, so all
// methods are safe for concurrent use without locking. Everything else in
// the server treats language tags as opaque strings and defers
// interpretation to this package.
package language

import (
	"fmt"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
)

// ErrUnsupported is returned by [Registry.Resolve] for tags outside the
// static table. Use errors.Is to detect it.
var ErrUnsupported = fmt.Errorf("language: unsupported tag")

// entry pairs a model tag with a human-readable display name.
type entry struct {
	modelTag string
	name     string
}

// table is the static short-tag table. The Flores-200 codes follow the
// NLLB-200 conventions ("zh" maps to Simplified Chinese, "no" to Bokmål).
var table = map[string]entry{
	// European
	"en": {"eng_Latn", "English"},
	"es": {"spa_Latn", "Spanish"},
	"fr": {"fra_Latn", "French"},
	"de": {"deu_Latn", "German"},
	"it": {"ita_Latn", "Italian"},
	"pt": {"por_Latn", "Portuguese"},
	"nl": {"nld_Latn", "Dutch"},
	"pl": {"pol_Latn", "Polish"},
	"ru": {"rus_Cyrl", "Russian"},
	"uk": {"ukr_Cyrl", "Ukrainian"},
	"cs": {"ces_Latn", "Czech"},
	"sk": {"slk_Latn", "Slovak"},
	"ro": {"ron_Latn", "Romanian"},
	"hu": {"hun_Latn", "Hungarian"},
	"el": {"ell_Grek", "Greek"},
	"sv": {"swe_Latn", "Swedish"},
	"no": {"nob_Latn", "Norwegian"},
	"da": {"dan_Latn", "Danish"},
	"fi": {"fin_Latn", "Finnish"},
	"bg": {"bul_Cyrl", "Bulgarian"},
	"hr": {"hrv_Latn", "Croatian"},
	"sr": {"srp_Cyrl", "Serbian"},
	"sl": {"slv_Latn", "Slovenian"},
	"lt": {"lit_Latn", "Lithuanian"},
	"lv": {"lvs_Latn", "Latvian"},
	"et": {"est_Latn", "Estonian"},
	// Asian
	"zh": {"zho_Hans", "Chinese"},
	"ja": {"jpn_Jpan", "Japanese"},
	"ko": {"kor_Hang", "Korean"},
	"hi": {"hin_Deva", "Hindi"},
	"bn": {"ben_Beng", "Bengali"},
	"ta": {"tam_Taml", "Tamil"},
	"th": {"tha_Thai", "Thai"},
	"vi": {"vie_Latn", "Vietnamese"},
	"id": {"ind_Latn", "Indonesian"},
	"ms": {"zsm_Latn", "Malay"},
	"tl": {"tgl_Latn", "Tagalog"},
	"my": {"mya_Mymr", "Burmese"},
	"km": {"khm_Khmr", "Khmer"},
	// Middle Eastern & African
	"ar": {"arb_Arab", "Arabic"},
	"he": {"heb_Hebr", "Hebrew"},
	"tr": {"tur_Latn", "Turkish"},
	"fa": {"pes_Arab", "Persian"},
	"sw": {"swh_Latn", "Swahili"},
	"am": {"amh_Ethi", "Amharic"},
	"yo": {"yor_Latn", "Yoruba"},
	"ig": {"ibo_Latn", "Igbo"},
	"ha": {"hau_Latn", "Hausa"},
	"zu": {"zul_Latn", "Zulu"},
}

// Registry is the immutable bidirectional tag map. The zero value is not
// usable; obtain one from [NewRegistry].
type Registry struct {
	byShort map[string]entry
	byModel map[string]string // model tag → short tag
	sorted  []string          // supported short tags, sorted once
}

// NewRegistry builds a Registry from the static table.
func NewRegistry() *Registry {
	r := &Registry{
		byShort: table,
		byModel: make(map[string]string, len(table)),
		sorted:  make([]string, 0, len(table)),
	}
	for short, e := range table {
		r.byModel[e.modelTag] = short
		r.sorted = append(r.sorted, short)
	}
	sort.Strings(r.sorted)
	return r
}

// Resolve maps a short tag to its Flores-200 model tag. Tags are matched
// case-insensitively. Returns an error wrapping [ErrUnsupported] for tags
// outside the table; the error message includes a nearest-match suggestion
// when one is close enough to be plausible.
func (r *Registry) Resolve(short string) (string, error) {
	e, ok := r.byShort[strings.ToLower(short)]
	if !ok {
		if s := r.Suggest(short); s != "" {
			return "", fmt.Errorf("%w: %q (did you mean %q?)", ErrUnsupported, short, s)
		}
		return "", fmt.Errorf("%w: %q", ErrUnsupported, short)
	}
	return e.modelTag, nil
}

// ShortFor maps a Flores-200 model tag back to its short tag. The second
// return value reports whether the model tag is known. Used when the ASR
// reports a detected language in model form.
func (r *Registry) ShortFor(modelTag string) (string, bool) {
	short, ok := r.byModel[modelTag]
	return short, ok
}

// Supported returns all supported short tags in sorted order. The returned
// slice is shared; callers must not modify it.
func (r *Registry) Supported() []string {
	return r.sorted
}

// Contains reports whether short is a supported tag.
func (r *Registry) Contains(short string) bool {
	_, ok := r.byShort[strings.ToLower(short)]
	return ok
}

// Name returns the display name for a supported short tag, or the tag
// itself when unknown. Intended for logs and error messages only.
func (r *Registry) Name(short string) string {
	if e, ok := r.byShort[strings.ToLower(short)]; ok {
		return e.name
	}
	return short
}

// suggestionThreshold is the minimum Jaro-Winkler similarity for a
// nearest-match suggestion. Below it, suggestions read as noise.
const suggestionThreshold = 0.78

// Suggest returns the supported short tag closest to the given input, or ""
// when nothing is similar enough. Matching considers both the tags and the
// display names, so "eng" suggests "en" and "japanese" suggests "ja".
func (r *Registry) Suggest(input string) string {
	in := strings.ToLower(input)
	if in == "" {
		return ""
	}

	best := ""
	bestScore := suggestionThreshold
	for _, short := range r.sorted {
		score := matchr.JaroWinkler(in, short, false)
		if n := strings.ToLower(r.byShort[short].name); n != "" {
			if s := matchr.JaroWinkler(in, n, false); s > score {
				score = s
			}
		}
		if score > bestScore {
			best = short
			bestScore = score
		}
	}
	return best
}
