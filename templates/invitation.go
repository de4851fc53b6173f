package templates

import "github.com/gatehouse-io/gatehouse/models"

const _InvitationSubjectTemplate string = `You've been invited to join Gatehouse as {{ .Role }}`
const _InvitationBodyTemplate string = `
<html>
  <head>
    <meta name='viewport' content='width=device-width'/>
    <meta http-equiv='Content-Type' content='text/html; charset=UTF-8'/>
    <title>You've been invited to join Gatehouse</title>
  </head>

  <body style='background-color: #FFFFFF'>

    <div class='container' style='background-color:#F5F5F5; padding:20px; margin:0 auto; max-width:500px'>

      <div align='center'>
        <p style='font-family: Helvetica Neue, Helvetica, sans-serif; font-weight:300; font-size: 14px; color:#000; line-height:1.1; padding:25px 0 15px; margin:0;'>Hey there!</p>
        <p style='font-family: Helvetica Neue, Helvetica, sans-serif; font-weight:300; font-size: 14px; color:#000; line-height:1.1; padding:0 0 15px; margin:0;'>You have been invited to join Gatehouse with the role of <strong>{{ .Role }}</strong>. Click the button below to accept your invitation and set up your account.</p>
      </div>

      <br>

      <div align='center' style='padding:0;'>
        <a style='background-color:#627CFB; font-family: Helvetica Neue, Helvetica, sans-serif; font-weight:400; font-size: 14px; color:#FFFFFF; padding:10px 20px; margin:0; border-radius:20px; text-decoration: none;' href='{{ .JoinURL }}'>Accept Invitation</a>
      </div>

      <br>

      <div align='center'>
        <p style='font-family: Helvetica Neue, Helvetica, sans-serif; font-weight:300; font-size: 12px; color:#444; line-height:1.4; padding:15px 0 0; margin:0;'>This invitation expires on {{ .ExpiresAt }}. If it was not meant for you, you can safely ignore this email.</p>
        <p style='font-family: Helvetica Neue, Helvetica, sans-serif; font-weight:300; font-size: 14px; color:#000; line-height:1.1; padding:15px 0 40px; margin:0;'>Sincerely,<br>The Gatehouse Team</p>
      </div>

      <div align='center' style='font-family: Helvetica Neue, Helvetica, sans-serif; font-weight:300; font-size: 12px; color:#444; line-height:1.8; padding:5px 0 0 0; margin:0;'>
        <a style='margin:0; display:block; text-decoration:none; color:#444' href='{{ .WebURL }}'>{{ .WebURL }}</a>
      </div>
    </div>

  </body>
</html>
`

func NewInvitationTemplate() (models.Template, error) {
	return models.NewPrecompiledTemplate(models.TemplateNameInvitation, _InvitationSubjectTemplate, _InvitationBodyTemplate)
}
