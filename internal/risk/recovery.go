package risk

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradeguard/internal/store"
)

// rolloverLocked 交易日切换：恢复 NORMAL 基线，但 HALT 及其进入时间跨日保留
func (b *Breaker) rolloverLocked(st *State, now time.Time) bool {
	day := b.tradingDay(now)
	if st.TradingDay == day {
		return false
	}
	if st.TradingDay == "" {
		st.TradingDay = day
		return false
	}

	prevDay := st.TradingDay
	from := st.Tier
	carry := st.Tier == TierHalt || st.Halted

	next := initialState()
	next.TradingDay = day
	next.LastReset = st.LastReset
	if carry {
		haltAt := st.EnteredAt[TierHalt]
		if haltAt.IsZero() {
			haltAt = now
		}
		next.Tier = TierHalt
		next.Action = ActionFullHalt
		next.SizeMultiplier = 0
		next.Halted = true
		next.EnteredAt[TierHalt] = haltAt
	}
	next.History = store.AppendCapped(st.History, TriggerEvent{
		Timestamp: now,
		From:      from,
		Tier:      next.Tier,
		Action:    next.Action,
		Reason:    ReasonDailyReset,
		Note:      fmt.Sprintf("trading day %s -> %s", prevDay, day),
	}, store.HistoryLimit)

	if from != next.Tier {
		b.metrics.RecordTransition(from.String(), next.Tier.String())
	}
	b.logger.Info("trading day rollover",
		zap.String("from_day", prevDay),
		zap.String("to_day", day),
		zap.String("from_tier", from.String()),
		zap.Bool("halt_carried", carry))
	*st = next
	return true
}

// recoverLocked 逐级降一档：HALT/CRITICAL 需停留期满且满足恢复条件，
// WARNING/CAUTION 只需停留期满。当前触发仍不低于该等级时不降级。降级后重新计时。
func (b *Breaker) recoverLocked(st *State, tel Telemetry, fresh Tier, now time.Time) (Tier, Tier, bool) {
	cur := st.Tier
	if cur == TierNormal || fresh >= cur {
		return cur, cur, false
	}
	entered, ok := st.EnteredAt[cur]
	if !ok || entered.IsZero() {
		st.EnteredAt[cur] = now
		return cur, cur, false
	}
	dwell := b.cfg.Recovery.dwell(cur)
	held := now.Sub(entered)
	if held < dwell {
		return cur, cur, false
	}
	if cur >= TierCritical && !b.recoveryConditions(tel) {
		return cur, cur, false
	}

	to := cur - 1
	delete(st.EnteredAt, cur)
	st.EnteredAt[to] = now
	st.Tier = to
	st.Action = to.Action()
	if cur == TierHalt {
		st.Halted = false
	}
	st.History = store.AppendCapped(st.History, TriggerEvent{
		Timestamp: now,
		From:      cur,
		Tier:      to,
		Action:    to.Action(),
		Reason:    ReasonRecovery,
		Observed:  held.Minutes(),
		Threshold: dwell.Minutes(),
		Note:      fmt.Sprintf("%s -> %s after %s", cur, to, held.Truncate(time.Second)),
	}, store.HistoryLimit)

	b.metrics.RecordTransition(cur.String(), to.String())
	b.logger.Info("risk tier stepped down",
		zap.String("from", cur.String()),
		zap.String("to", to.String()),
		zap.Duration("held", held))
	return cur, to, true
}

// recoveryConditions 当日亏损不超过恢复阈值，且波动率指数低于恢复水平或缺失。
// 组合价值未知时不满足。
func (b *Breaker) recoveryConditions(tel Telemetry) bool {
	loss, ok := tel.LossFraction()
	if !ok || loss > b.cfg.Recovery.LossThreshold {
		return false
	}
	if tel.VolatilityIndex != nil && *tel.VolatilityIndex >= b.cfg.Recovery.VIXLevel {
		return false
	}
	return true
}
