// seed.go

package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sumanth-74/law-duel/config"
	"github.com/sumanth-74/law-duel/internal/models"
	"github.com/sumanth-74/law-duel/internal/question"
	"github.com/sumanth-74/law-duel/internal/settlement"
	"github.com/sumanth-74/law-duel/pkg/db"
)

// 演示账号
var seedPlayers = []string{"demo_alice", "demo_bob", "demo_carol"}

// 演示题目，每个科目至少 7 题以覆盖一局
var seedQuestions = []*models.Question{
	{ID: "ev-001", Subject: "Evidence", Stem: "An out-of-court statement offered to prove the truth of the matter asserted is:", Choices: []string{"Character evidence", "Hearsay", "Impeachment", "Judicial notice"}, CorrectIndex: 1, Explanation: "FRE 801(c) defines hearsay.", Hint: "Think about the purpose of the statement."},
	{ID: "ev-002", Subject: "Evidence", Stem: "A statement by a party-opponent offered against that party is:", Choices: []string{"Hearsay within an exception", "Not hearsay", "Inadmissible", "Admissible only for impeachment"}, CorrectIndex: 1, Explanation: "FRE 801(d)(2) excludes opposing party statements from hearsay.", Hint: "Look at the definitions, not the exceptions."},
	{ID: "ev-003", Subject: "Evidence", Stem: "Evidence of subsequent remedial measures is inadmissible to prove:", Choices: []string{"Ownership", "Feasibility if disputed", "Negligence", "Impeachment"}, CorrectIndex: 2, Explanation: "FRE 407 bars use to prove negligence or culpable conduct.", Hint: "Policy encourages repairs."},
	{ID: "ev-004", Subject: "Evidence", Stem: "A dying declaration requires the declarant to:", Choices: []string{"Be dead", "Believe death is imminent", "Be a party", "Testify at trial"}, CorrectIndex: 1, Explanation: "FRE 804(b)(2) requires belief of imminent death and unavailability.", Hint: "Focus on state of mind."},
	{ID: "ev-005", Subject: "Evidence", Stem: "Which is NOT a ground for declarant unavailability under FRE 804(a)?", Choices: []string{"Privilege", "Refusal to testify", "Lack of memory", "Inconvenience"}, CorrectIndex: 3, Explanation: "Inconvenience is not listed in FRE 804(a).", Hint: "One of these is merely a burden."},
	{ID: "ev-006", Subject: "Evidence", Stem: "Habit evidence is admissible to prove:", Choices: []string{"Conduct in conformity on a particular occasion", "Bad character", "Propensity for violence", "Credibility"}, CorrectIndex: 0, Explanation: "FRE 406 permits habit to show conformity.", Hint: "Routine practice."},
	{ID: "ev-007", Subject: "Evidence", Stem: "The best evidence rule applies when a party seeks to prove:", Choices: []string{"Any fact", "The content of a writing", "Authenticity", "Chain of custody"}, CorrectIndex: 1, Explanation: "FRE 1002 requires the original to prove content.", Hint: "Content, not existence."},
	{ID: "ct-001", Subject: "Contracts", Stem: "Under the UCC, a contract for the sale of goods for $500 or more generally requires:", Choices: []string{"Consideration only", "A writing signed by the party to be charged", "Notarization", "Delivery"}, CorrectIndex: 1, Explanation: "UCC 2-201 statute of frauds.", Hint: "Statute of frauds."},
	{ID: "ct-002", Subject: "Contracts", Stem: "An offer is terminated by:", Choices: []string{"A counteroffer", "An inquiry", "Silence", "A request for clarification"}, CorrectIndex: 0, Explanation: "A counteroffer acts as a rejection.", Hint: "Mirror image rule."},
	{ID: "ct-003", Subject: "Contracts", Stem: "Promissory estoppel substitutes for:", Choices: []string{"Offer", "Acceptance", "Consideration", "Capacity"}, CorrectIndex: 2, Explanation: "Restatement (Second) §90.", Hint: "Detrimental reliance."},
	{ID: "ct-004", Subject: "Contracts", Stem: "The parol evidence rule bars prior agreements that:", Choices: []string{"Explain ambiguity", "Contradict a fully integrated writing", "Show fraud", "Show a condition precedent"}, CorrectIndex: 1, Explanation: "Integration bars contradictory prior terms.", Hint: "Integration."},
	{ID: "ct-005", Subject: "Contracts", Stem: "Expectation damages aim to put the non-breaching party in the position:", Choices: []string{"Before the contract", "As if the contract were performed", "Of the breaching party", "Of restitution"}, CorrectIndex: 1, Explanation: "Benefit of the bargain.", Hint: "Benefit of the bargain."},
	{ID: "ct-006", Subject: "Contracts", Stem: "A minor's contract is generally:", Choices: []string{"Void", "Voidable by the minor", "Enforceable", "Voidable by the adult"}, CorrectIndex: 1, Explanation: "Minors may disaffirm.", Hint: "Who holds the power?"},
	{ID: "ct-007", Subject: "Contracts", Stem: "Under the mailbox rule, acceptance is effective upon:", Choices: []string{"Receipt", "Dispatch", "Reading", "Acknowledgment"}, CorrectIndex: 1, Explanation: "Acceptance is effective when sent.", Hint: "When it leaves the offeree's hands."},
}

// newSeedCmd 写入演示玩家与题目
func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "写入演示玩家与题目",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := db.InitPostgres(&config.GlobalConfig.Database); err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return seed(ctx, settlement.NewPostgresRepository(db.DB), question.NewPostgresBank(db.DB))
		},
	}
}

func seed(ctx context.Context, repo *settlement.PostgresRepository, bank *question.PostgresBank) error {
	for _, name := range seedPlayers {
		p, err := repo.CreatePlayer(ctx, name, models.DefaultRating)
		if err != nil {
			return err
		}
		log.Info().Int64("player_id", p.ID).Str("username", p.Username).Msg("演示账号已就绪")
	}
	for _, q := range seedQuestions {
		if err := bank.Insert(ctx, q); err != nil {
			return err
		}
	}
	log.Info().Int("questions", len(seedQuestions)).Msg("演示题目初始化完成")
	return nil
}
