package pipeline

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agleyzer/semhls/internal/encoder"
	"github.com/agleyzer/semhls/internal/manifest"
	"github.com/agleyzer/semhls/internal/segment"
	"github.com/agleyzer/semhls/internal/staging"
	"github.com/agleyzer/semhls/internal/tagger"
	"github.com/agleyzer/semhls/internal/variant"
)

// encodeSet encodes and appends every segment of one variant in ordinal order. Segments a
// channel already holds are not encoded again for that channel.
func (o *Orchestrator) encodeSet(ctx context.Context, eng *manifest.Engine, v segment.Variant, segs []segment.Segment) (int, int, error) {
	channels := variant.Channels(o.opts.Profiles, []segment.Variant{v})
	appends, skipped := 0, 0

	for i, seg := range segs {
		if err := ctx.Err(); err != nil {
			return appends, skipped, err
		}

		pending := o.pendingChannels(eng, channels, seg.Ordinal)
		if len(pending) == 0 {
			skipped++
			continue
		}

		outputs, err := o.encodeSegment(ctx, seg, pending)
		if err != nil {
			return appends, skipped, err
		}

		next := segment.NextRiskLevel(segs, i)
		tags := tagger.Tags{RiskType: seg.RiskType, RiskLevel: seg.RiskLevel, Privacy: v.IsPrivacy()}

		// Appends run in profile order after all encodes of the segment finished.
		for j, ch := range pending {
			out := outputs[j]
			if err := tagger.InjectFile(out.Playlist, tags); err != nil {
				return appends, skipped, err
			}

			req := manifest.Request{
				Channel:        ch,
				Sequence:       seg.Ordinal,
				SourcePlaylist: out.Playlist,
				NextRiskLevel:  next,
			}
			if len(out.Media) == 1 {
				req.SourceMedia = out.Media[0]
			}
			if err := eng.Append(ctx, req); err != nil {
				return appends, skipped, err
			}
			appends++
		}

		o.logger.Debug("segment published", "variant", v, "ordinal", seg.Ordinal, "channels", len(pending))
	}

	o.logger.Info("variant published", "variant", v, "segments", len(segs), "appends", appends, "skipped", skipped)
	return appends, skipped, nil
}

// verifyPending checks the staged frames of every segment some channel still lacks, before the
// first append of the run.
func (o *Orchestrator) verifyPending(eng *manifest.Engine, sets map[segment.Variant][]segment.Segment) error {
	for _, v := range o.opts.Variants() {
		channels := variant.Channels(o.opts.Profiles, []segment.Variant{v})
		for _, seg := range sets[v] {
			if len(o.pendingChannels(eng, channels, seg.Ordinal)) == 0 {
				continue
			}
			if err := staging.Verify(seg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) pendingChannels(eng *manifest.Engine, channels []variant.Channel, ordinal int) []variant.Channel {
	var pending []variant.Channel
	for _, ch := range channels {
		if log, ok := eng.Ledger().Channel(ch.Key()); ok && len(log.Entries) >= ordinal {
			continue
		}
		pending = append(pending, ch)
	}
	return pending
}

// encodeSegment encodes seg once per channel concurrently. Outputs are in channel order.
func (o *Orchestrator) encodeSegment(ctx context.Context, seg segment.Segment, channels []variant.Channel) ([]encoder.Output, error) {
	outputs := make([]encoder.Output, len(channels))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.workers())
	for i, ch := range channels {
		g.Go(func() error {
			start := time.Now()
			out, err := o.encoder.Encode(gctx, encoder.Job{Segment: seg, Profile: ch.Profile})
			o.metrics.ObserveEncode(ch.Profile.Name, seg.Variant.String(), time.Since(start), err)
			if err != nil {
				return err
			}
			outputs[i] = out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}
