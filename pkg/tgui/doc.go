// Package tgui builds Telegram HTML message text. Every helper escapes its
// input, so user-supplied strings such as tournament formats are safe to send
// with ParseMode "HTML".
package tgui
