package suite

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Shunpei0902/ft-irc/internal/clientconfig"
	"github.com/Shunpei0902/ft-irc/internal/session"
)

const defaultFileTimeout = 10 * time.Second

type suiteFile struct {
	Tests []testEntry `toml:"test"`
}

type testEntry struct {
	Name              string   `toml:"name"`
	Description       string   `toml:"description"`
	Nickname          string   `toml:"nickname"`
	Username          string   `toml:"username"`
	Realname          string   `toml:"realname"`
	Commands          []string `toml:"commands"`
	Timeout           *string  `toml:"timeout"`
	ExpectContains    []string `toml:"expect_contains"`
	ExpectNotContains []string `toml:"expect_not_contains"`
	ExpectMatch       *string  `toml:"expect_match"`
	RequireCleanExit  *bool    `toml:"require_clean_exit"`
}

// LoadFile reads [[test]] tables from a TOML suite file.
func LoadFile(path string) ([]TestCase, error) {
	var decoded suiteFile
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return nil, fmt.Errorf("decode suite file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("suite file %q: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if len(decoded.Tests) == 0 {
		return nil, fmt.Errorf("suite file %q: no [[test]] entries", path)
	}

	cases := make([]TestCase, 0, len(decoded.Tests))
	for index, entry := range decoded.Tests {
		tc, err := entry.testCase()
		if err != nil {
			return nil, fmt.Errorf("suite file %q: test #%d: %w", path, index+1, err)
		}
		cases = append(cases, tc)
	}
	return cases, nil
}

func (e testEntry) testCase() (TestCase, error) {
	name := strings.TrimSpace(e.Name)
	if name == "" {
		return TestCase{}, errors.New("name is required")
	}

	timeout := defaultFileTimeout
	if e.Timeout != nil {
		parsed, err := time.ParseDuration(strings.TrimSpace(*e.Timeout))
		if err != nil {
			return TestCase{}, fmt.Errorf("%s: parse timeout %q: %w", name, *e.Timeout, err)
		}
		if parsed <= 0 {
			return TestCase{}, fmt.Errorf("%s: timeout must be positive", name)
		}
		timeout = parsed
	}

	predicates := []Predicate{}
	if e.RequireCleanExit == nil || *e.RequireCleanExit {
		predicates = append(predicates, Succeeded())
	}
	for _, text := range e.ExpectContains {
		predicates = append(predicates, OutputContains(text))
	}
	for _, text := range e.ExpectNotContains {
		predicates = append(predicates, OutputNotContains(text))
	}
	if e.ExpectMatch != nil {
		re, err := regexp.Compile(*e.ExpectMatch)
		if err != nil {
			return TestCase{}, fmt.Errorf("%s: compile expect_match: %w", name, err)
		}
		predicates = append(predicates, OutputMatches(re))
	}

	return TestCase{
		Name:        name,
		Description: strings.TrimSpace(e.Description),
		Identity: clientconfig.Identity{
			Nickname: strings.TrimSpace(e.Nickname),
			Username: e.Username,
			Realname: e.Realname,
		},
		Script:    session.NewScript(e.Commands...),
		Timeout:   timeout,
		Predicate: All(predicates...),
	}, nil
}
