package keywords

import (
	"math"
	"regexp"
	"slices"
	"strings"
	"testing"
	"unicode/utf8"
)

func testConfig() Config {
	return Config{
		Categories: []Category{
			{Name: "cloud_platforms", Entries: []Entry{
				{Keyword: "AWS", Weight: 1.0, Aliases: []string{"Amazon Web Services"}},
				{Keyword: "Azure", Weight: 1.0},
			}},
			{Name: "vulnerabilities", Entries: []Entry{
				{Keyword: "ransomware", Weight: 2.0},
				{Keyword: "zero-day", Weight: 1.5, ContextRequired: true},
			}},
		},
		FuzzyMatching:   true,
		ContextAnalysis: true,
		ContextKeywords: []string{"exploit", "vulnerability"},
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestBuildIndex_LowercasesAndResolvesAliases(t *testing.T) {
	t.Parallel()

	idx := BuildIndex(testConfig().Categories)

	aws, ok := idx["aws"]
	if !ok {
		t.Fatal("expected lowercase key aws")
	}
	if aws.Type != TermPrimary || aws.Original != "AWS" {
		t.Errorf("aws = %+v", aws)
	}

	alias, ok := idx["amazon web services"]
	if !ok {
		t.Fatal("expected alias key")
	}
	if alias.Type != TermAlias || alias.Primary != "AWS" || alias.Category != "cloud_platforms" {
		t.Errorf("alias = %+v", alias)
	}
}

func TestBuildIndex_DefaultWeightAndPrimaryWins(t *testing.T) {
	t.Parallel()

	idx := BuildIndex([]Category{
		{Name: "a", Entries: []Entry{{Keyword: "phishing", Aliases: []string{"Malware"}}}},
		{Name: "b", Entries: []Entry{{Keyword: "malware", Weight: 3}}},
	})
	if got := idx["phishing"].Weight; got != 1.0 {
		t.Errorf("default weight = %v, want 1.0", got)
	}
	m := idx["malware"]
	if m.Type != TermPrimary || m.Category != "b" {
		t.Errorf("alias shadowed a primary: %+v", m)
	}
}

func TestFindExactMatches_CaseInsensitive(t *testing.T) {
	t.Parallel()

	m := NewMatcher(testConfig())
	upper := m.FindExactMatches("Breach hits AWS tenants")
	lower := m.FindExactMatches("Breach hits aws tenants")

	if len(upper) != 1 || len(lower) != 1 {
		t.Fatalf("matches = %d/%d, want 1/1", len(upper), len(lower))
	}
	if upper[0].Keyword != lower[0].Keyword || upper[0].Position != lower[0].Position {
		t.Errorf("AWS %+v != aws %+v", upper[0], lower[0])
	}
	if upper[0].MatchType != MatchExact {
		t.Errorf("MatchType = %s", upper[0].MatchType)
	}
}

func TestFindExactMatches_WordBoundary(t *testing.T) {
	t.Parallel()

	m := NewMatcher(testConfig())
	if got := m.FindExactMatches("the lawsuit and the awsome flaws"); len(got) != 0 {
		t.Errorf("matched inside words: %+v", got)
	}
	got := m.FindExactMatches("(AWS) and AWS, plus aws.")
	if len(got) != 3 {
		t.Fatalf("matches = %d, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Position <= got[i-1].Position {
			t.Error("matches not ordered by position")
		}
	}
}

func TestFindExactMatches_OverlappingOccurrences(t *testing.T) {
	t.Parallel()

	m := NewMatcher(Config{Categories: []Category{
		{Name: "x", Entries: []Entry{{Keyword: "ab-ab"}}},
	}})
	got := m.FindExactMatches("seen: ab-ab-ab")
	if len(got) != 2 {
		t.Fatalf("matches = %d, want 2: %+v", len(got), got)
	}
	if got[0].Position != 6 || got[1].Position != 9 {
		t.Errorf("positions = %d, %d, want 6, 9", got[0].Position, got[1].Position)
	}
}

func TestOccurrences_RuneSafe(t *testing.T) {
	t.Parallel()

	re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta("éé"))
	got := occurrences(re, "éééx")
	want := [][2]int{{0, 4}, {2, 6}}
	if !slices.Equal(got, want) {
		t.Errorf("occurrences = %v, want %v", got, want)
	}
}

func TestFindExactMatches_UniqueKeywordPosition(t *testing.T) {
	t.Parallel()

	m := NewMatcher(Config{Categories: []Category{
		{Name: "x", Entries: []Entry{{Keyword: "AWS", Aliases: []string{"aws"}}}},
		{Name: "y", Entries: []Entry{{Keyword: "AWS"}}},
	}})
	got := m.FindExactMatches("aws aws AWS")
	seen := map[[2]any]bool{}
	for _, mt := range got {
		k := [2]any{mt.Keyword, mt.Position}
		if seen[k] {
			t.Fatalf("duplicate (keyword, position) %v", k)
		}
		seen[k] = true
	}
	if len(got) != 3 {
		t.Errorf("matches = %d, want 3", len(got))
	}
}

func TestFindExactMatches_ContextWindowIsValidUTF8(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("é", 60) + " ransomware " + strings.Repeat("ü", 60)
	got := NewMatcher(testConfig()).FindExactMatches(text)
	if len(got) != 1 {
		t.Fatalf("matches = %d, want 1", len(got))
	}
	if !utf8.ValidString(got[0].Context) {
		t.Error("context is not valid UTF-8")
	}
	if !strings.Contains(got[0].Context, "ransomware") {
		t.Errorf("context %q does not contain the match", got[0].Context)
	}
}

func TestFindFuzzyMatches(t *testing.T) {
	t.Parallel()

	m := NewMatcher(testConfig())
	got := m.FindFuzzyMatches("new ransomwar strain")
	if len(got) != 1 {
		t.Fatalf("fuzzy matches = %d, want 1", len(got))
	}
	if got[0].Keyword != "ransomware" || got[0].MatchType != MatchFuzzy {
		t.Errorf("match = %+v", got[0])
	}
	if got[0].Similarity < DefaultFuzzyThreshold || got[0].Similarity >= 1 {
		t.Errorf("similarity = %v", got[0].Similarity)
	}
}

func TestFindFuzzyMatches_Guards(t *testing.T) {
	t.Parallel()

	m := NewMatcher(testConfig())
	tests := []struct {
		name string
		text string
	}{
		{"exact word left to exact pass", "ransomware"},
		{"short word", "aw"},
		{"below threshold", "random"},
		{"length delta", "ransomwareeeee"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := m.FindFuzzyMatches(tt.text); len(got) != 0 {
				t.Errorf("FindFuzzyMatches(%q) = %+v, want none", tt.text, got)
			}
		})
	}

	cfg := testConfig()
	cfg.FuzzyMatching = false
	if got := NewMatcher(cfg).FindFuzzyMatches("ransomwar"); got != nil {
		t.Errorf("disabled fuzzy matching returned %+v", got)
	}
}

func TestValidateContext_FlagsButKeeps(t *testing.T) {
	t.Parallel()

	m := NewMatcher(testConfig())

	without := m.ValidateContext(m.FindExactMatches("a zero-day in the wild"), "a zero-day in the wild")
	if len(without) != 1 {
		t.Fatalf("matches = %d, want 1 (unvalidated matches are kept)", len(without))
	}
	if without[0].ContextValidated {
		t.Error("expected context_validated=false without context keywords")
	}

	text := "a zero-day exploit in the wild"
	with := m.ValidateContext(m.FindExactMatches(text), text)
	if !with[0].ContextValidated {
		t.Error("expected context_validated=true with exploit present")
	}
}

func TestCalculateScores_MultiplierOrder(t *testing.T) {
	t.Parallel()

	m := NewMatcher(testConfig())
	in := []Match{
		{Keyword: "a", Weight: 1, MatchType: MatchExact},
		{Keyword: "b", Weight: 1, MatchType: MatchFuzzy},
		{Keyword: "c", Weight: 1, MatchType: MatchExact, IsAlias: true},
		{Keyword: "d", Weight: 1, MatchType: MatchExact, ContextRequired: true, ContextValidated: true},
		{Keyword: "e", Weight: 1, MatchType: MatchExact, ContextRequired: true},
	}
	want := []float64{1.2, 0.7, 1.2 * 0.8, 1.2 * 1.3, 1.2}
	got := m.CalculateScores(in)
	for i := range want {
		if !approx(got[i].FinalScore, want[i]) {
			t.Errorf("%s FinalScore = %v, want %v", got[i].Keyword, got[i].FinalScore, want[i])
		}
	}
	if in[0].FinalScore != 0 {
		t.Error("CalculateScores mutated its input")
	}
}

func TestMatchKeywords_Composes(t *testing.T) {
	t.Parallel()

	m := NewMatcher(testConfig())
	text := "Ransomware crew abuses Amazon Web Services and Azure; AWS responds"
	res := m.MatchKeywords(text)

	if res.TotalMatches != len(res.Matches) {
		t.Errorf("TotalMatches = %d, len = %d", res.TotalMatches, len(res.Matches))
	}
	if res.Matches[0].Keyword != "ransomware" {
		t.Errorf("top match = %s, want ransomware", res.Matches[0].Keyword)
	}
	for i := 1; i < len(res.Matches); i++ {
		if res.Matches[i].FinalScore > res.Matches[i-1].FinalScore {
			t.Fatal("matches not sorted by final score")
		}
	}

	var sum float64
	for cat, ms := range res.ByCategory {
		var catSum float64
		for _, mt := range ms {
			catSum += mt.FinalScore
		}
		if !approx(catSum, res.CategoryScores[cat]) {
			t.Errorf("category %s sum = %v, want %v", cat, res.CategoryScores[cat], catSum)
		}
		sum += catSum
	}
	if !approx(sum, res.TotalScore) {
		t.Errorf("TotalScore = %v, want %v", res.TotalScore, sum)
	}

	var alias *Match
	for i := range res.Matches {
		if res.Matches[i].IsAlias {
			alias = &res.Matches[i]
		}
	}
	if alias == nil || alias.Keyword != "AWS" {
		t.Fatalf("alias match missing or misattributed: %+v", alias)
	}
	if !approx(alias.FinalScore, 1.2*0.8) {
		t.Errorf("alias FinalScore = %v, want %v", alias.FinalScore, 1.2*0.8)
	}
}

func TestMatchKeywords_NoMatches(t *testing.T) {
	t.Parallel()

	res := NewMatcher(testConfig()).MatchKeywords("")
	if res.Matches == nil || res.ByCategory == nil || res.CategoryScores == nil {
		t.Error("expected non-nil empty collections")
	}
	if res.TotalMatches != 0 || res.TotalScore != 0 {
		t.Errorf("totals = %d/%v, want 0/0", res.TotalMatches, res.TotalScore)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	m := NewMatcher(testConfig())
	hits := Summarize(m.MatchKeywords("AWS outage; aws again; AWS thrice; AWS four").Matches)
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(hits))
	}
	if hits[0].HitCount != 4 {
		t.Errorf("HitCount = %d, want 4", hits[0].HitCount)
	}
	if len(hits[0].Contexts) != maxStoredContexts {
		t.Errorf("Contexts = %d, want %d", len(hits[0].Contexts), maxStoredContexts)
	}
}

func FuzzFindExactMatches(f *testing.F) {
	f.Add("AWS ransomware zero-day Azure")
	f.Add("")
	f.Add("ééé aws ü")
	m := NewMatcher(testConfig())

	f.Fuzz(func(t *testing.T, text string) {
		seen := map[string]map[int]bool{}
		for _, mt := range m.FindExactMatches(text) {
			if seen[mt.Keyword] == nil {
				seen[mt.Keyword] = map[int]bool{}
			}
			if seen[mt.Keyword][mt.Position] {
				t.Fatalf("duplicate (%s, %d)", mt.Keyword, mt.Position)
			}
			seen[mt.Keyword][mt.Position] = true
		}
		res := m.MatchKeywords(text)
		if res.TotalMatches != len(res.Matches) {
			t.Fatalf("TotalMatches mismatch")
		}
	})
}
