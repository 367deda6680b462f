package anthropic

import "fmt"

// buildStoryPrompt creates the bedtime story prompt for one child
func buildStoryPrompt(childName, favoriteAnimal, moralLesson string) string {
	return fmt.Sprintf(`You are a creative children's story writer. Create a magical, engaging, and heartwarming story for a child.

Story Requirements:
- The main character is a child named %q
- Their favorite animal is a %q who becomes their friend and companion in the story
- The story should teach the moral lesson of %q
- Target reading time: 5 minutes (approximately 600-800 words)
- Age-appropriate for children ages 5-10
- Include adventure, wonder, and positive emotions
- End with a happy, uplifting conclusion that reinforces the moral lesson

Make the story imaginative, fun, and memorable. Use vivid descriptions and dialogue to bring the characters to life.

Respond with the story text only, without a title line or any commentary.`, childName, favoriteAnimal, moralLesson)
}
