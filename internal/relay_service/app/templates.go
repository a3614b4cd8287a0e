package app

// Canned reply texts sent straight back into the Telegram chat. The Russian
// copy is the product wording for customer-facing chats.

const botReplyPrefix = "\U0001F916\U0001F4AC\n"

// greetingText welcomes a customer who sent /start.
func greetingText(firstName string) string {
	if firstName == "" {
		return botReplyPrefix + "Здравствуйте!\nЧем мы можем Вам помочь?"
	}
	return botReplyPrefix + "Здравствуйте, " + firstName + "!\nЧем мы можем Вам помочь?"
}

// botSenderText answers other bots writing into the chat; their messages are
// never relayed.
const botSenderText = botReplyPrefix + "Hello my brother from another mother!"

// unsupportedFormatText apologizes for message formats the relay cannot
// process (no text and no supported attachment).
const unsupportedFormatText = botReplyPrefix +
	"Обработка данного формата сообщения в данный момент невозможна.\nПросим прощения за доставленные временные неудобства!"

// notificationText wraps an operator notification in the bot prefix.
func notificationText(description string) string {
	return botReplyPrefix + description
}
