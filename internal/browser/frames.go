package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// EvalInFrames evaluates probe JS in the top frame first and, when that
// yields an empty string, in every iframe target in turn. The probe must
// evaluate to a string; the first non-empty result wins. Frames can detach
// mid-scan, so per-frame failures are logged and skipped rather than
// propagated.
func (s *Session) EvalInFrames(ctx context.Context, probe string) (string, error) {
	if result, err := s.evalString(ctx, s.browserCtx, probe, 5*time.Second); err == nil && result != "" {
		return result, nil
	}

	infos, err := s.iframeTargets(ctx)
	if err != nil {
		return "", err
	}
	for _, info := range infos {
		frameCtx, cancel := chromedp.NewContext(s.browserCtx, chromedp.WithTargetID(info.TargetID))
		result, err := s.evalString(ctx, frameCtx, probe, 2*time.Second)
		cancel()
		if err != nil {
			s.logger.Debug("frame probe failed",
				zap.String("frame_url", info.URL), zap.Error(err))
			continue
		}
		if result != "" {
			return result, nil
		}
	}
	return "", nil
}

func (s *Session) iframeTargets(ctx context.Context) ([]*target.Info, error) {
	var infos []*target.Info
	runCtx, cancel, stop := s.boundedRun(ctx, 5*time.Second)
	defer cancel()
	defer stop()
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		all, err := target.GetTargets().Do(ctx)
		if err != nil {
			return fmt.Errorf("list targets: %w", err)
		}
		for _, info := range all {
			if strings.EqualFold(info.Type, "iframe") {
				infos = append(infos, info)
			}
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return infos, nil
}

func (s *Session) evalString(ctx, evalCtx context.Context, probe string, timeout time.Duration) (string, error) {
	runCtx, cancel := context.WithTimeout(evalCtx, timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	var result string
	if err := chromedp.Run(runCtx, chromedp.Evaluate(probe, &result)); err != nil {
		return "", fmt.Errorf("evaluate probe: %w", err)
	}
	return result, nil
}
