package push

// Evaluate walks ctx.PDU's matching rule in rs's tier order. The
// first enabled rule whose condition matches decides the outcome: if
// it is a dont_notify rule, the event is suppressed; otherwise its
// tweaks are returned and notify is true (spec §4.7).
func Evaluate(ctx MatchContext, rs Ruleset) (notify bool, tweaks map[string]interface{}) {
	for _, rule := range rs.Rules {
		if !rs.enabled(rule) {
			continue
		}
		if !rule.Match(ctx) {
			continue
		}
		if rule.DontNotify {
			return false, nil
		}
		return true, rule.Tweaks
	}
	return false, nil
}
