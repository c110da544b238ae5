package interact

import "time"

// ButtonLayout hints to channels how to render the reply controls.
type ButtonLayout string

const (
	ButtonsYesNo        ButtonLayout = "yes_no"
	ButtonsNumbered     ButtonLayout = "numbered"
	ButtonsConfirmEnter ButtonLayout = "confirm_enter"
	ButtonsTrustFolder  ButtonLayout = "trust_folder"
	ButtonsNone         ButtonLayout = "none"
)

// Plan is the immutable per-class injection strategy.
type Plan struct {
	Class          Class
	AppendCR       bool
	MaxRetries     int
	RetryDelay     time.Duration
	VerifyAdvance  bool
	AdvanceTimeout time.Duration
	EscalateOnFail bool
	// SuppressValue hides the injected value from feedback, logs, and
	// audit payloads.
	SuppressValue bool
	Buttons       ButtonLayout
	// FeedbackTemplate renders the channel confirmation; %s receives the
	// (possibly suppressed) value.
	FeedbackTemplate string
}

var plans = map[Class]Plan{
	ClassYesNo: {
		Class: ClassYesNo, AppendCR: true, MaxRetries: 1,
		RetryDelay: 2 * time.Second, VerifyAdvance: true,
		AdvanceTimeout: 10 * time.Second, EscalateOnFail: true,
		Buttons: ButtonsYesNo, FeedbackTemplate: "Replied %s to the confirmation.",
	},
	ClassConfirmEnter: {
		Class: ClassConfirmEnter, AppendCR: true, MaxRetries: 1,
		RetryDelay: 2 * time.Second, VerifyAdvance: true,
		AdvanceTimeout: 10 * time.Second, EscalateOnFail: true,
		Buttons: ButtonsConfirmEnter, FeedbackTemplate: "Pressed enter to continue.",
	},
	ClassNumberedChoice: {
		Class: ClassNumberedChoice, AppendCR: true, MaxRetries: 1,
		RetryDelay: 2 * time.Second, VerifyAdvance: true,
		AdvanceTimeout: 10 * time.Second, EscalateOnFail: true,
		Buttons: ButtonsNumbered, FeedbackTemplate: "Selected option %s.",
	},
	ClassFreeText: {
		Class: ClassFreeText, AppendCR: true, MaxRetries: 0,
		VerifyAdvance: true, AdvanceTimeout: 10 * time.Second,
		EscalateOnFail: true, Buttons: ButtonsNone,
		FeedbackTemplate: "Sent %s.",
	},
	ClassPasswordInput: {
		Class: ClassPasswordInput, AppendCR: true, MaxRetries: 0,
		VerifyAdvance: true, AdvanceTimeout: 10 * time.Second,
		EscalateOnFail: true, SuppressValue: true, Buttons: ButtonsNone,
		FeedbackTemplate: "Sent %s.",
	},
	ClassFolderTrust: {
		Class: ClassFolderTrust, AppendCR: true, MaxRetries: 1,
		RetryDelay: 2 * time.Second, VerifyAdvance: true,
		AdvanceTimeout: 10 * time.Second, EscalateOnFail: true,
		Buttons: ButtonsTrustFolder, FeedbackTemplate: "Answered trust prompt with %s.",
	},
	ClassRawTerminal: {
		Class: ClassRawTerminal, AppendCR: false, MaxRetries: 0,
		Buttons: ButtonsNone, FeedbackTemplate: "Sent raw bytes.",
	},
	ClassChatInput: {
		Class: ClassChatInput, AppendCR: true, MaxRetries: 0,
		Buttons: ButtonsNone, FeedbackTemplate: "Sent %s.",
	},
}

// PlanFor returns the strategy for a class. Unknown classes get the
// free-text plan.
func PlanFor(class Class) Plan {
	if p, ok := plans[class]; ok {
		return p
	}
	return plans[ClassFreeText]
}
