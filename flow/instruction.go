package flow

// Kind is the type of a voice instruction.
type Kind string

const (
	KindSpeak    Kind = "speak"
	KindPause    Kind = "pause"
	KindListen   Kind = "listen"
	KindRedirect Kind = "redirect"
	KindHangup   Kind = "hangup"
)

// Instruction is one step the telephony gateway should perform. The
// controller never produces markup; a renderer serializes instructions.
type Instruction struct {
	Kind    Kind
	Text    string // speak
	Voice   string // speak
	Seconds int    // pause
	Target  string // listen, redirect
}

// Speak says text in voice.
func Speak(text, voice string) Instruction {
	return Instruction{Kind: KindSpeak, Text: text, Voice: voice}
}

// Pause waits for the given number of seconds.
func Pause(seconds int) Instruction {
	return Instruction{Kind: KindPause, Seconds: seconds}
}

// Listen collects speech and posts it to target.
func Listen(target string) Instruction {
	return Instruction{Kind: KindListen, Target: target}
}

// Redirect continues the call at target.
func Redirect(target string) Instruction {
	return Instruction{Kind: KindRedirect, Target: target}
}

// Hangup ends the call.
func Hangup() Instruction {
	return Instruction{Kind: KindHangup}
}
