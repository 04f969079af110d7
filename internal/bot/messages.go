package bot

// User-facing texts. The bot serves Thai SMEs, so replies are in Thai.
const (
	MsgPleaseWait = "ขออภัยค่ะ ตอนนี้มีข้อความเข้ามามาก กรุณารอสักครู่แล้วส่งใหม่อีกครั้งนะคะ"
	MsgBusy       = "ขออภัยค่ะ ระบบ AI ไม่พร้อมให้บริการชั่วคราว กรุณาลองใหม่ในอีกสักครู่นะคะ"

	msgWelcome = "สวัสดีค่ะ ยินดีต้อนรับ! 🙏\n" +
		"ฉันเป็นผู้ช่วย AI สำหรับธุรกิจของคุณ พิมพ์คำถามได้เลย หรือส่งรูปภาพและไฟล์ข้อความมาให้ช่วยสรุปก็ได้ค่ะ\n" +
		"พิมพ์ /help เพื่อดูคำสั่งทั้งหมด"

	msgHelp = "คำสั่งที่ใช้ได้:\n" +
		"/help - แสดงคำสั่งทั้งหมด\n" +
		"/clear - ล้างประวัติการสนทนา\n" +
		"/status - ดูสถานะระบบ\n\n" +
		"รองรับข้อความ รูปภาพ และไฟล์ .txt .csv .md .json"

	msgCleared         = "ล้างประวัติการสนทนาเรียบร้อยแล้วค่ะ เริ่มคุยเรื่องใหม่ได้เลย"
	msgUnknownCommand  = "ไม่รู้จักคำสั่งนี้ค่ะ\n\n" + msgHelp
	msgUnsupportedFile = "ขออภัยค่ะ ตอนนี้รองรับเฉพาะไฟล์ .txt .csv .md และ .json เท่านั้น"
	msgUnreadableFile  = "ขออภัยค่ะ ไม่สามารถอ่านไฟล์นี้ได้ กรุณาตรวจสอบว่าเป็นไฟล์ข้อความ (UTF-8)"
	msgEmptyAnswer     = "ขออภัยค่ะ ไม่สามารถสร้างคำตอบได้ในขณะนี้"

	imagePrompt = "ช่วยอธิบายรูปภาพนี้โดยละเอียด และถ้าเกี่ยวข้องกับธุรกิจ ช่วยให้คำแนะนำที่เป็นประโยชน์ด้วย"
	filePrompt  = "ช่วยสรุปเนื้อหาสำคัญของไฟล์ %q ต่อไปนี้ให้กระชับ:\n\n%s"

	defaultSystemPrompt = "You are a helpful assistant for small and medium businesses in Thailand. " +
		"Answer in the language the user writes in, politely and concisely."
)
