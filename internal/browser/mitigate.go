package browser

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Mitigate lowers the bot-detection signal of a fresh page load with
// randomized pointer movement, a scroll toward the bottom, and jittered
// sleeps. Failures are logged and swallowed; nothing downstream depends on
// this pass.
func (s *Session) Mitigate(ctx context.Context, short bool) {
	moves := 3 + rand.Intn(3)
	if short {
		moves = 1 + rand.Intn(2)
	}

	actions := make([]chromedp.Action, 0, moves*2+2)
	for i := 0; i < moves; i++ {
		x := float64(100 + rand.Intn(1100))
		y := float64(100 + rand.Intn(600))
		actions = append(actions,
			chromedp.MouseEvent(input.MouseMoved, x, y),
			chromedp.Sleep(jitter(80, 250)),
		)
	}
	scroll := fmt.Sprintf(
		"window.scrollTo({top: document.body.scrollHeight * %.2f, behavior: 'smooth'})",
		0.6+rand.Float64()*0.3)
	actions = append(actions,
		chromedp.Evaluate(scroll, nil),
		chromedp.Sleep(jitter(300, 900)),
	)

	runCtx, cancel, stop := s.boundedRun(ctx, 15*time.Second)
	defer cancel()
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		s.logger.Debug("mitigation pass failed", zap.Error(err))
	}
}

func jitter(minMillis, maxMillis int) time.Duration {
	return time.Duration(minMillis+rand.Intn(maxMillis-minMillis)) * time.Millisecond
}
