package goldrush

// Condition evaluates a Msg and reports whether a pattern rule matches.
type Condition func(Msg) bool

// Eq matches when the dotted-path field equals want. If both sides are
// numeric (int, int64, float64, or a numeric string) they compare by value;
// otherwise they compare with ==.
func Eq(path string, want any) Condition {
	return func(msg Msg) bool {
		v, ok := fieldValue(msg, path)
		if !ok {
			return false
		}
		return equalLoose(v, want)
	}
}

// Gt matches when the dotted-path field is numeric and greater than want.
func Gt(path string, want float64) Condition {
	return func(msg Msg) bool {
		v, ok := fieldValue(msg, path)
		if !ok {
			return false
		}
		n, ok := numberOf(v)
		if !ok {
			return false
		}
		return n > want
	}
}

// And matches when every sub-condition matches.
func And(conds ...Condition) Condition {
	return func(msg Msg) bool {
		for _, c := range conds {
			if !c(msg) {
				return false
			}
		}
		return true
	}
}

func equalLoose(a, b any) bool {
	an, aok := numberOf(a)
	bn, bok := numberOf(b)
	if aok && bok {
		return an == bn
	}
	return a == b
}

// Rule binds a name and condition to an action that synthesizes the
// severity/category/intensity/source fields for a matched message.
type Rule struct {
	Name      string
	Condition Condition
	Action    func(Msg) Msg
}

// PatternPlugin builds a Plugin from the secondary pattern registry: the
// first matching rule's action runs and the chain halts (later plugins
// never see a message a named pattern has already classified).
func PatternPlugin(rules ...Rule) Plugin {
	return func(msg Msg) Result {
		for _, rule := range rules {
			if rule.Condition(msg) {
				return Halt(rule.Action(msg))
			}
		}
		return OK(msg)
	}
}

// SecurityAnomalyRule is the pattern named in SPEC_FULL.md's worked
// example: an agent.event carrying anomaly_score above threshold is
// treated as a pain signal regardless of latency.
func SecurityAnomalyRule(threshold float64) Rule {
	return Rule{
		Name:      "security_anomaly",
		Condition: And(Eq("event", "agent.event"), Gt("measurements.anomaly_score", threshold)),
		Action: func(msg Msg) Msg {
			msg.Severity = "pain"
			msg.Category = "security_anomaly"
			msg.Intensity = 1.0
			msg.Source = msg.Event
			return msg
		},
	}
}
