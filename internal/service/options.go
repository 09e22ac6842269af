package service

import (
	"strings"
)

// Options holds server command-line options in declaration order,
// preserving whether each was given in short ("-") or long ("--") form so
// the reassembled option string round-trips.
type Options struct {
	keys []string
	vals map[string]optVal
}

type optVal struct {
	value string
	form  string
}

// ParseOptions splits an option string such as
// "--replSet rs0 -v --storageEngine=wiredTiger" into an Options map.
func ParseOptions(s string) *Options {
	o := &Options{vals: make(map[string]optVal)}
	var pending string
	for _, tok := range splitQuoted(s) {
		if strings.HasPrefix(tok, "-") {
			form := "-"
			rest := tok[1:]
			if strings.HasPrefix(rest, "-") {
				form = "--"
				rest = rest[1:]
			}
			if eq := strings.IndexByte(rest, '='); eq >= 0 {
				o.set(rest[:eq], rest[eq+1:], form)
				pending = ""
			} else {
				o.set(rest, "", form)
				pending = rest
			}
		} else if pending != "" {
			v := o.vals[pending]
			v.value = tok
			o.vals[pending] = v
			pending = ""
		}
	}
	return o
}

func (o *Options) set(name, value, form string) {
	if _, ok := o.vals[name]; !ok {
		o.keys = append(o.keys, name)
	}
	o.vals[name] = optVal{value: value, form: form}
}

// Set adds or replaces a long-form option. An empty value produces a bare
// flag.
func (o *Options) Set(name, value string) { o.set(name, value, "--") }

// Get returns the value for name and whether it is present.
func (o *Options) Get(name string) (string, bool) {
	v, ok := o.vals[name]
	return v.value, ok
}

// Has reports whether name is present in any form.
func (o *Options) Has(name string) bool {
	_, ok := o.vals[name]
	return ok
}

// String reassembles the option string in declaration order.
func (o *Options) String() string {
	var b strings.Builder
	for _, k := range o.keys {
		v := o.vals[k]
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(v.form)
		b.WriteString(k)
		if v.value != "" {
			b.WriteByte(' ')
			b.WriteString(v.value)
		}
	}
	return b.String()
}

// splitQuoted splits on whitespace, honoring single and double quotes.
func splitQuoted(s string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote byte
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ' ' || c == '\t' || c == '\n':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}
