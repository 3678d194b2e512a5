// Vouch - compliance checks for Supabase organizations.
package main

func main() {
	Execute()
}
