package broker

import (
	"fmt"
	"time"
)

// Message templates for the notifications the brokers emit. The notification
// constructor truncates anything longer than a single SMS segment allows, so
// templates stay short on purpose.

const messageTimeLayout = "Mon 2 Jan 15:04"

func todoCreatedMessage(groupName, message string, deadline time.Time, loc *time.Location) string {
	return fmt.Sprintf("%s: new action item \"%s\", due %s",
		groupName, message, deadline.In(loc).Format(messageTimeLayout))
}

func todoReminderMessage(groupName, message string, deadline time.Time, loc *time.Location) string {
	return fmt.Sprintf("%s: reminder, \"%s\" is due %s",
		groupName, message, deadline.In(loc).Format(messageTimeLayout))
}

func todoCancelledMessage(groupName, message string) string {
	return fmt.Sprintf("%s: action item \"%s\" was cancelled", groupName, message)
}

func eventCreatedMessage(groupName, name string, startsAt time.Time, loc *time.Location) string {
	return fmt.Sprintf("%s: %s on %s, please respond",
		groupName, name, startsAt.In(loc).Format(messageTimeLayout))
}

func eventReminderMessage(groupName, name string, startsAt time.Time, loc *time.Location) string {
	return fmt.Sprintf("%s: reminder, %s starts %s",
		groupName, name, startsAt.In(loc).Format(messageTimeLayout))
}

func eventChangedMessage(groupName, name string, startsAt time.Time, loc *time.Location) string {
	return fmt.Sprintf("%s: %s moved to %s",
		groupName, name, startsAt.In(loc).Format(messageTimeLayout))
}

func eventResponseMessage(displayName, name, response string) string {
	return fmt.Sprintf("%s responded %q to %s", displayName, response, name)
}

func welcomeMessage(displayName string) string {
	return fmt.Sprintf("Welcome %s. You are now registered and will receive group updates here.", displayName)
}

func safetyMessage(groupName, description string) string {
	return fmt.Sprintf("URGENT %s: safety alert. %s", groupName, description)
}
