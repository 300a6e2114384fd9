// Command local runs the triage workflow in-process against console
// providers: one newsletter is filed automatically after approval and one
// client question gets a drafted reply.
package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sicko7947/triageflow"
	"github.com/sicko7947/triageflow/action"
	"github.com/sicko7947/triageflow/engine"
	"github.com/sicko7947/triageflow/notify"
	"github.com/sicko7947/triageflow/responder"
	"github.com/sicko7947/triageflow/store"
	"github.com/sicko7947/triageflow/triage"
)

const demoUser = "U-demo"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	ctx := context.Background()
	st := store.NewMemoryStore()
	channel := &consoleChannel{logger: log.Logger}
	renderer := notify.NewRenderer([]triageflow.ActionOption{
		{ID: "Label_Archive", Label: "Archive"},
		{ID: "Label_Clients", Label: "Clients"},
	})

	def, err := triage.NewDefinition(triage.Deps{
		Classifier: keywordClassifier{},
		Responder:  responder.New(templateGenerator{}, responder.WithLogger(log.Logger)),
		Channel:    channel,
		Registry:   st,
		Actions:    action.NewExecutor(consoleMail{logger: log.Logger}, action.WithLogger(log.Logger)),
		Renderer:   renderer,
		Labels: triage.Labels{
			ByCategory: map[string]string{"newsletter": "Label_Newsletters", "needs_response": "Label_Clients"},
			Default:    "INBOX",
		},
		DecisionTTL: 24 * time.Hour,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create triage definition")
	}

	eng, err := engine.NewEngine(st, st, def,
		engine.WithLogger(log.Logger),
		engine.WithNotifier(channel),
		engine.WithNotices(renderer),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create engine")
	}
	callbacks := notify.NewCallbackHandler(st, eng, channel, notify.WithLogger(log.Logger), notify.WithRenderer(renderer))

	emails := []triageflow.NewEmail{
		{
			EmailID:    "demo-1",
			UserID:     demoUser,
			Sender:     "news@updates.example.com",
			Subject:    "Weekly digest",
			Body:       "Top stories this week. Click here to unsubscribe.",
			ReceivedAt: time.Now(),
		},
		{
			EmailID:    "demo-2",
			UserID:     demoUser,
			Sender:     "Dana <dana@client.example.org>",
			Subject:    "Can we move the review to Friday?",
			Body:       "Hi, something came up. Could we move Thursday's review to Friday? It's urgent.",
			ThreadRef:  "thread-42",
			ReceivedAt: time.Now(),
		},
	}

	for _, email := range emails {
		res, err := eng.Start(ctx, email)
		if err != nil {
			log.Fatal().Err(err).Str("email_id", email.EmailID).Msg("Failed to start instance")
		}

		snap, err := eng.GetInstance(ctx, res.InstanceID)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load instance")
		}

		final, err := callbacks.Handle(ctx, triageflow.DecisionCallback{
			ChannelMessageID: snap.State.ChannelMessageID,
			ActionCode:       notify.ActionApprove,
			ActingUserRef:    demoUser,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Decision failed")
		}

		log.Info().
			Str("email_id", email.EmailID).
			Str("stage", final.Stage.String()).
			Str("outcome", string(final.Outcome)).
			Msg("Triage finished")
	}
}
