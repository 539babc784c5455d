package queue

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LoopController is the part of the dispatch scheduler driven by commands.
type LoopController interface {
	Launch(ctx context.Context, id int64)
	Stop(id int64)
}

// StartControlSubscriber routes control commands to the scheduler. ctx
// bounds every loop it launches.
func StartControlSubscriber(ctx context.Context, log *logrus.Entry, q Queue, loops LoopController) error {
	log = log.WithField("component", "control_subscriber")
	return q.Subscribe(ControlTopic, func(cmd Command) error {
		switch cmd.Action {
		case ActionStart:
			loops.Launch(ctx, cmd.CampaignID)
		case ActionPause, ActionCancel:
			loops.Stop(cmd.CampaignID)
		default:
			log.WithField("action", cmd.Action).Warn("unknown control action")
			return nil
		}
		log.WithFields(logrus.Fields{"action": cmd.Action, "campaign_id": cmd.CampaignID}).Info("control command applied")
		return nil
	})
}
