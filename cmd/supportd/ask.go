package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/knoguchi/supportrag/internal/service"
	"github.com/knoguchi/supportrag/internal/videolink"
)

type askSource struct {
	ID            string  `json:"id"`
	DocumentID    string  `json:"document_id"`
	Title         string  `json:"title,omitempty"`
	CombinedScore float64 `json:"combined_score"`
}

type askOutput struct {
	SessionID string           `json:"session_id"`
	Answer    string           `json:"answer"`
	Sources   []askSource      `json:"sources"`
	Videos    []videolink.Link `json:"videos"`
	Metadata  service.Metadata `json:"metadata"`
}

func askCmd() *cobra.Command {
	var (
		sessionID string
		topK      int
	)

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a single question and print the result as JSON",
		Long: `Answer a single question against the configured corpus.

Examples:
  supportd ask "What is the rated load of the HP-50 press?"
  supportd ask "Do you have TL-200 lathes in stock?" --top-k 10`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session := sessionID
			if session == "" {
				session = uuid.NewString()
			}

			_, chat, closeBackend, err := bootstrap(cmd.Context(), os.Stderr)
			if err != nil {
				return err
			}
			defer closeBackend()

			ans, err := chat.Answer(cmd.Context(), service.Request{
				SessionID: session,
				Question:  strings.Join(args, " "),
				TopK:      topK,
			})
			if err != nil {
				return fmt.Errorf("ask failed: %w", err)
			}

			return writeAnswer(cmd.OutOrStdout(), session, ans)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session ID for conversation history (random if empty)")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "number of ranked chunks to keep (0 uses RERANK_TOP_K)")

	return cmd
}

func writeAnswer(w io.Writer, sessionID string, ans *service.Answer) error {
	out := askOutput{
		SessionID: sessionID,
		Answer:    ans.Text,
		Sources:   make([]askSource, len(ans.Sources)),
		Videos:    ans.Videos,
		Metadata:  ans.Metadata,
	}
	if out.Videos == nil {
		out.Videos = []videolink.Link{}
	}
	for i, s := range ans.Sources {
		out.Sources[i] = askSource{
			ID:            s.ID,
			DocumentID:    s.DocumentID,
			Title:         s.Title(),
			CombinedScore: s.CombinedScore,
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
