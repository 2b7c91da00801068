package tools

import (
	"time"

	"github.com/nugget/cortex-agent/internal/result"
)

// Example payloads for read tools whose backing account is not linked
// or not reachable. The dispatcher marks them as examples.

var exampleEmails = []result.Email{
	{
		ID:       "1",
		ThreadID: "t1",
		Sender:   "Neural Arch <system@cans.io>",
		Subject:  "Synaptic Protocol Update",
		Date:     "2 mins ago",
		Snippet:  "The bridge between your cortex and Gmail has been established. This is a confirmation of...",
	},
	{
		ID:       "2",
		ThreadID: "t2",
		Sender:   "Marcus Chen <marcus@pioneer.com>",
		Subject:  "Project Phoenix Status",
		Date:     "1 hour ago",
		Snippet:  "The temporal mapping is complete. We need to review the neural load balance tomorrow...",
	},
	{
		ID:       "3",
		ThreadID: "t3",
		Sender:   "Sarah Jenkins <sarah@hr.global>",
		Subject:  "Interview Schedule: AI Reflexes",
		Date:     "3 hours ago",
		Snippet:  "I have scheduled three candidates for the Reflex System Engineer position starting...",
	},
}

func sampleEmails(count int) result.Emails {
	if count <= 0 || count > len(exampleEmails) {
		count = len(exampleEmails)
	}
	return result.Emails{Emails: append([]result.Email(nil), exampleEmails[:count]...), Example: true}
}

func sampleEvents(now time.Time) result.Events {
	start := now.UTC().Truncate(time.Hour).Add(time.Hour)
	return result.Events{
		Events: []result.Event{{
			ID:          "example-1",
			Title:       "Synaptic Calibration",
			Start:       start,
			End:         start.Add(30 * time.Minute),
			Location:    "Neural Lab",
			Description: "Routine alignment of cortex pathways.",
		}},
		Example: true,
	}
}

func sampleContacts() result.Contacts {
	return result.Contacts{
		Contacts: []result.Contact{{
			Name:         "Marcus Chen",
			Emails:       []string{"marcus@pioneer.com"},
			Phones:       []string{"+1 555 0100"},
			Organization: "Pioneer",
		}},
		Example: true,
	}
}

func sampleFiles(now time.Time) result.Files {
	day := now.UTC().Truncate(time.Hour)
	return result.Files{
		Files: []result.File{
			{
				ID:       "example-doc",
				Name:     "Project Phoenix Brief",
				MimeType: "application/vnd.google-apps.document",
				Modified: day.Add(-2 * time.Hour),
				Owner:    "Marcus Chen",
			},
			{
				ID:       "example-sheet",
				Name:     "Neural Load Balance",
				MimeType: "application/vnd.google-apps.spreadsheet",
				Modified: day.Add(-26 * time.Hour),
				Owner:    "Sarah Jenkins",
			},
		},
		Example: true,
	}
}
