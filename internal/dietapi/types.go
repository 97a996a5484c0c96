// Package dietapi fetches and normalizes meeting transcripts from the
// National Diet minutes API.
package dietapi

// RawMeetingData is one page of the upstream meetings API, after normalization.
type RawMeetingData struct {
	NumberOfRecords    int                `json:"numberOfRecords"`
	NumberOfReturn     int                `json:"numberOfReturn"`
	StartRecord        int                `json:"startRecord"`
	NextRecordPosition *int               `json:"nextRecordPosition"`
	MeetingRecord      []RawMeetingRecord `json:"meetingRecord"`
}

// RawMeetingRecord is one meeting session. Speeches are kept in upstream
// order; speechOrder values need not be contiguous.
type RawMeetingRecord struct {
	IssueID      string            `json:"issueID"`
	ImageKind    string            `json:"imageKind"`
	SearchObject int               `json:"searchObject"`
	Session      int               `json:"session"`
	NameOfHouse  string            `json:"nameOfHouse"`
	NameOfMeeting string           `json:"nameOfMeeting"`
	Issue        string            `json:"issue"`
	Date         string            `json:"date"`
	Closing      *string           `json:"closing"`
	SpeechRecord []RawSpeechRecord `json:"speechRecord"`
}

// RawSpeechRecord is one utterance, immutable once fetched. CreateTime and
// UpdateTime are normalized to date-only.
type RawSpeechRecord struct {
	SpeechID        string  `json:"speechID"`
	SpeechOrder     int     `json:"speechOrder"`
	Speaker         string  `json:"speaker"`
	SpeakerYomi     *string `json:"speakerYomi"`
	SpeakerGroup    *string `json:"speakerGroup"`
	SpeakerPosition *string `json:"speakerPosition"`
	SpeakerRole     *string `json:"speakerRole"`
	Speech          string  `json:"speech"`
	StartPage       int     `json:"startPage"`
	CreateTime      string  `json:"createTime"`
	UpdateTime      string  `json:"updateTime"`
	SpeechURL       string  `json:"speechURL"`
}
