// Package tgui builds Telegram HTML replies. Text passes through Esc before
// it is wrapped in tags, so a value of type H is always safe to send with
// ParseMode="HTML".
package tgui
