package risk

import "math"

type level struct {
	tier      Tier
	threshold float64
}

// highest 返回 value 越过的最高阈值；levels 需按等级从高到低排列
func highest(reason Reason, value float64, levels []level) (Trigger, bool) {
	for _, l := range levels {
		if value >= l.threshold {
			return Trigger{Tier: l.tier, Reason: reason, Observed: value, Threshold: l.threshold}, true
		}
	}
	return Trigger{}, false
}

// classify 按当前遥测独立计算等级，不考虑历史状态。
// 每个信号只报告它越过的最高一级，最终等级取所有信号的最大值。
func classify(t Telemetry, th Thresholds) (Tier, []Trigger, float64) {
	var triggers []Trigger
	add := func(tr Trigger, ok bool) {
		if ok {
			triggers = append(triggers, tr)
		}
	}

	if loss, ok := t.LossFraction(); ok {
		add(highest(ReasonDailyLoss, loss, []level{
			{TierHalt, th.LossHalt},
			{TierCritical, th.LossCritical},
			{TierWarning, th.LossWarning},
			{TierCaution, th.LossCaution},
		}))
	}
	if t.MarketMove != nil {
		add(highest(ReasonMarketMove, math.Abs(*t.MarketMove), []level{
			{TierHalt, th.MoveHalt},
			{TierWarning, th.MoveWarning},
			{TierCaution, th.MoveCaution},
		}))
	}
	if t.VolatilityIndex != nil {
		add(highest(ReasonVolatilityIndex, *t.VolatilityIndex, []level{
			{TierCritical, th.VIXCritical},
			{TierWarning, th.VIXWarning},
			{TierCaution, th.VIXCaution},
		}))
	}
	if t.ConsecutiveLosses > 0 {
		add(highest(ReasonConsecutiveLosses, float64(t.ConsecutiveLosses), []level{
			{TierCritical, float64(th.StreakCritical)},
			{TierWarning, float64(th.StreakWarning)},
			{TierCaution, float64(th.StreakCaution)},
		}))
	}
	if ratio, ok := t.VolRatio(); ok {
		add(highest(ReasonVolatilitySpike, ratio, []level{
			{TierCaution, th.SpikeRatio},
		}))
	}

	tier := TierNormal
	for _, tr := range triggers {
		tier = maxTier(tier, tr.Tier)
	}
	return tier, triggers, multiplierFor(tier, triggers, th)
}

// multiplierFor CAUTION 缩仓，仅市场波动触发时缩得更少；暂停类动作为 0
func multiplierFor(tier Tier, triggers []Trigger, th Thresholds) float64 {
	switch tier {
	case TierNormal:
		return 1.0
	case TierCaution:
		onlyMove := len(triggers) > 0
		for _, tr := range triggers {
			if tr.Reason != ReasonMarketMove {
				onlyMove = false
				break
			}
		}
		if onlyMove {
			return th.MoveCautionMultiplier
		}
		return th.CautionMultiplier
	default:
		return 0
	}
}

// topTrigger 返回指定等级的第一个触发项
func topTrigger(tier Tier, triggers []Trigger) (Trigger, bool) {
	for _, tr := range triggers {
		if tr.Tier == tier {
			return tr, true
		}
	}
	return Trigger{}, false
}
