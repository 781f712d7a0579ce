package validate

import "testing"

func TestValidatePersonaAcceptsValidInput(t *testing.T) {
	t.Parallel()

	p, err := ValidatePersona(PersonaInput{
		Gender:      "Female",
		Personality: "cheerful",
		ChatPrompt:  "be concise",
	}, 512)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Gender != "female" || p.Personality != "cheerful" || p.ChatPrompt != "be concise" {
		t.Fatalf("got %+v", p)
	}
}

func TestValidatePersonaRejectsBadGender(t *testing.T) {
	t.Parallel()

	_, err := ValidatePersona(PersonaInput{Gender: "robot", Personality: "cheerful"}, 512)
	if err == nil {
		t.Fatal("expected error for invalid gender")
	}
}

func TestValidatePersonaRejectsEmptyPersonality(t *testing.T) {
	t.Parallel()

	_, err := ValidatePersona(PersonaInput{Gender: "male", Personality: ""}, 512)
	if err == nil {
		t.Fatal("expected error for empty personality")
	}
}

func TestValidatePersonaRejectsNonLetterPersonality(t *testing.T) {
	t.Parallel()

	_, err := ValidatePersona(PersonaInput{Gender: "male", Personality: "cheerful2"}, 512)
	if err == nil {
		t.Fatal("expected error for non-letter personality")
	}
}

func TestValidatePersonaEmptyChatPromptIsAllowed(t *testing.T) {
	t.Parallel()

	p, err := ValidatePersona(PersonaInput{Gender: "male", Personality: "calm"}, 512)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ChatPrompt != "" {
		t.Fatalf("expected empty chat prompt, got %q", p.ChatPrompt)
	}
}

func TestValidatePersonaRejectsOversizedChatPrompt(t *testing.T) {
	t.Parallel()

	long := make([]byte, 9000)
	for i := range long {
		long[i] = 'a'
	}
	_, err := ValidatePersona(PersonaInput{Gender: "male", Personality: "calm", ChatPrompt: string(long)}, 512)
	if err == nil {
		t.Fatal("expected error for oversized chat prompt")
	}
}
